package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/guseggert/flowcluster/flow"
)

// Status is the coarse lifecycle status of a provisioned cluster.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusReady       Status = "READY"
	StatusTerminating Status = "TERMINATING"
	StatusTerminated  Status = "TERMINATED"
	StatusUnknown     Status = "UNKNOWN"
)

// RunningStatuses are the statuses in which a cluster can be attached to.
var RunningStatuses = []Status{StatusPending, StatusReady}

// IsRunning returns true if a cluster in this status is creating or usable.
func (s Status) IsRunning() bool {
	return s == StatusPending || s == StatusReady
}

type Summary struct {
	ID     string
	Name   string
	Status Status
}

type Details struct {
	ID       string
	Name     string
	Status   Status
	Endpoint string
}

var (
	// ErrNotFound is returned when a cluster id is not known to the provider.
	ErrNotFound = errors.New("cluster not found")
	// ErrInvalidConfiguration is returned when a create request is malformed.
	ErrInvalidConfiguration = errors.New("invalid cluster configuration")
)

// ConfigError reports a malformed configuration key.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s=%q: %s", ErrInvalidConfiguration, e.Key, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }

// Service is the provisioning service that creates, inspects and destroys clusters.
// Implementations must be goroutine-safe, since every flow is handled on its own goroutine.
type Service interface {
	// FindRunningClusterByName returns a cluster with the given name in one of the given statuses,
	// or nil if there is none.
	FindRunningClusterByName(ctx context.Context, name string, statuses []Status) (*Summary, error)

	FindClusterByID(ctx context.Context, id string) (*Details, error)

	IsClusterReady(ctx context.Context, id string) (bool, error)

	// MasterEndpoint returns the connection endpoint of the cluster, or "" if it cannot be determined.
	MasterEndpoint(ctx context.Context, id string) (string, error)

	// CreateCluster requests a new cluster and returns its id without waiting for it to be ready.
	CreateCluster(ctx context.Context, name string, config flow.Props) (string, error)

	TerminateCluster(ctx context.Context, id string) (bool, error)
}
