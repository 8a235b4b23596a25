package local

import (
	"context"
	"fmt"
	"strings"
	"sync"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
)

// Service is an in-memory provisioning service.
// Clusters exist only inside the process, which makes this suitable for fast-feedback unit tests and dry runs.
// Readiness and failures can be scripted with the With* methods.
type Service struct {
	mut      sync.Mutex
	clusters map[string]*Cluster
	order    []string
	nextID   int

	readyAfter     int
	createFailures int
	lookupFailures int
	noEndpoint     bool
	endpointFn     func(id string) string

	createCalls    int
	terminateCalls int
}

// Cluster is a cluster tracked by the in-memory service.
type Cluster struct {
	ID     string
	Name   string
	Status clusteriface.Status
	Config flow.Props

	readyChecks int
}

func NewService() *Service {
	return &Service{
		clusters: map[string]*Cluster{},
		endpointFn: func(id string) string {
			return "10.0.0." + strings.TrimPrefix(id, "c-")
		},
	}
}

// WithReadyAfter makes new clusters report ready only after n readiness checks returned false.
func (s *Service) WithReadyAfter(n int) *Service {
	s.readyAfter = n
	return s
}

// WithNeverReady makes new clusters never report ready.
func (s *Service) WithNeverReady() *Service {
	s.readyAfter = -1
	return s
}

// WithCreateFailures makes the next n CreateCluster calls fail.
func (s *Service) WithCreateFailures(n int) *Service {
	s.createFailures = n
	return s
}

// WithLookupFailures makes the next n FindRunningClusterByName calls fail.
func (s *Service) WithLookupFailures(n int) *Service {
	s.lookupFailures = n
	return s
}

// WithNoEndpoint makes ready clusters report no master endpoint.
func (s *Service) WithNoEndpoint() *Service {
	s.noEndpoint = true
	return s
}

func (s *Service) WithEndpoint(f func(id string) string) *Service {
	s.endpointFn = f
	return s
}

// AddCluster registers an existing cluster, for example one started outside the manager.
func (s *Service) AddCluster(id, name string, status clusteriface.Status) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.clusters[id] = &Cluster{ID: id, Name: name, Status: status}
	s.order = append(s.order, id)
}

func (s *Service) Cluster(id string) (Cluster, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return Cluster{}, false
	}
	return *c, true
}

func (s *Service) CreateCalls() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.createCalls
}

func (s *Service) TerminateCalls() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.terminateCalls
}

func (s *Service) FindRunningClusterByName(ctx context.Context, name string, statuses []clusteriface.Status) (*clusteriface.Summary, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.lookupFailures > 0 {
		s.lookupFailures--
		return nil, fmt.Errorf("listing clusters: throttled")
	}
	for _, id := range s.order {
		c := s.clusters[id]
		if c.Name != name {
			continue
		}
		for _, st := range statuses {
			if c.Status == st {
				return &clusteriface.Summary{ID: c.ID, Name: c.Name, Status: c.Status}, nil
			}
		}
	}
	return nil, nil
}

func (s *Service) FindClusterByID(ctx context.Context, id string) (*clusteriface.Details, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("describing cluster %q: %w", id, clusteriface.ErrNotFound)
	}
	d := &clusteriface.Details{ID: c.ID, Name: c.Name, Status: c.Status}
	if c.Status == clusteriface.StatusReady && !s.noEndpoint {
		d.Endpoint = s.endpointFn(c.ID)
	}
	return d, nil
}

func (s *Service) IsClusterReady(ctx context.Context, id string) (bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return false, fmt.Errorf("describing cluster %q: %w", id, clusteriface.ErrNotFound)
	}
	if c.Status == clusteriface.StatusPending {
		if s.readyAfter >= 0 && c.readyChecks >= s.readyAfter {
			c.Status = clusteriface.StatusReady
		} else {
			c.readyChecks++
		}
	}
	return c.Status == clusteriface.StatusReady, nil
}

func (s *Service) MasterEndpoint(ctx context.Context, id string) (string, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return "", fmt.Errorf("listing master instances of %q: %w", id, clusteriface.ErrNotFound)
	}
	if s.noEndpoint || c.Status != clusteriface.StatusReady {
		return "", nil
	}
	return s.endpointFn(c.ID), nil
}

func (s *Service) CreateCluster(ctx context.Context, name string, config flow.Props) (string, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.createCalls++
	if s.createFailures > 0 {
		s.createFailures--
		return "", fmt.Errorf("creating cluster %q: provider rejected request", name)
	}
	s.nextID++
	id := fmt.Sprintf("c-%d", s.nextID)
	s.clusters[id] = &Cluster{ID: id, Name: name, Status: clusteriface.StatusPending, Config: config.Clone()}
	s.order = append(s.order, id)
	return id, nil
}

func (s *Service) TerminateCluster(ctx context.Context, id string) (bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.terminateCalls++
	c, ok := s.clusters[id]
	if !ok {
		return false, fmt.Errorf("terminating cluster %q: %w", id, clusteriface.ErrNotFound)
	}
	c.Status = clusteriface.StatusTerminated
	return true, nil
}
