package manager

import (
	"context"
	"fmt"
	"strings"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"go.uber.org/zap"
)

// Configuration keys understood by the manager.
const (
	KeyEnabled             = "cluster.enabled"
	KeySelectID            = "cluster.select.id"
	KeyNameStrategy        = "cluster.name.strategy"
	KeyNamePrefix          = "cluster.name.prefix"
	KeyEnvName             = "cluster.env.name"
	KeySpoolUpTimeout      = "cluster.spoolup.timeout"
	KeyTerminateOnError    = "cluster.terminate.on.error"
	KeyTerminateOnComplete = "cluster.terminate.on.completion"

	// Internal properties recorded on the flow so the finish path replays the start decision.
	KeyInternalMode        = "cluster.internal.execution.mode"
	KeyInternalClusterID   = "cluster.internal.cluster.id"
	KeyInternalClusterName = "cluster.internal.cluster.name"

	// KeyMasterEndpoint is the flow input property jobs read the cluster master address from.
	KeyMasterEndpoint = "hadoop-inject.hadoop.master.ip"

	// ConfigPrefix is the prefix of flow input properties that override cluster configuration.
	ConfigPrefix = "cluster."

	DefaultSpoolUpTimeoutMinutes = 25
	DefaultNamePrefix            = "Transient Cluster"
	DefaultEnvName               = "dev"
)

// Mode is how a flow gets its cluster.
type Mode int

const (
	// ModeDefault runs the flow on the default cluster; the manager does nothing.
	ModeDefault Mode = iota
	// ModeCreate runs the flow on a cluster created (or shared by name) for it.
	ModeCreate
	// ModeSpecific runs the flow on an existing cluster selected by id.
	ModeSpecific
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "DEFAULT_CLUSTER"
	case ModeCreate:
		return "CREATE_CLUSTER"
	case ModeSpecific:
		return "SPECIFIC_CLUSTER"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a mode recorded on a flow.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "DEFAULT_CLUSTER":
		return ModeDefault, nil
	case "CREATE_CLUSTER":
		return ModeCreate, nil
	case "SPECIFIC_CLUSTER":
		return ModeSpecific, nil
	default:
		return ModeDefault, fmt.Errorf("unknown execution mode %q", s)
	}
}

// NameStrategy defines how a created cluster is named.
// The name is what lets flows share a cluster.
type NameStrategy int

const (
	// NameByExecutionID gives every execution its own cluster.
	NameByExecutionID NameStrategy = iota
	// NameByProjectName shares one cluster between all concurrent executions of a project.
	NameByProjectName
)

var nameStrategies = []NameStrategy{NameByExecutionID, NameByProjectName}

func (s NameStrategy) String() string {
	switch s {
	case NameByExecutionID:
		return "execution-id"
	case NameByProjectName:
		return "project-name"
	default:
		return fmt.Sprintf("NameStrategy(%d)", int(s))
	}
}

// ParseNameStrategy accepts "execution-id" and "project-name", case-insensitively and with '_' in place of '-'.
func ParseNameStrategy(s string) (NameStrategy, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for _, st := range nameStrategies {
		if st.String() == norm {
			return st, true
		}
	}
	return NameByExecutionID, false
}

// Resolver turns configuration and flow identity into an execution mode and a cluster name.
type Resolver struct {
	Service clusteriface.Service
}

// Mode resolves the execution mode of a flow.
// A selected cluster id wins if the cluster is active; otherwise creation must be enabled explicitly.
func (r *Resolver) Mode(ctx context.Context, props flow.Props, log *zap.SugaredLogger) Mode {
	if id := props.String(KeySelectID, ""); id != "" {
		log.Infof("%s was set to %s, trying to use that specific cluster to run this flow", KeySelectID, id)
		active := r.isActive(ctx, id, log)
		log.Infof("cluster %s is active: %t", id, active)
		if active {
			return ModeSpecific
		}
	}

	if props.Bool(KeyEnabled, false) {
		log.Infof("%s is true, will create a dedicated cluster for this flow", KeyEnabled)
		return ModeCreate
	}

	log.Infof("%s was false or not set and no active %s was specified, running on the default cluster", KeyEnabled, KeySelectID)
	return ModeDefault
}

func (r *Resolver) isActive(ctx context.Context, id string, log *zap.SugaredLogger) bool {
	details, err := r.Service.FindClusterByID(ctx, id)
	if err != nil {
		log.Warnf("unable to describe cluster %s: %s", id, err)
		return false
	}
	return details.Status.IsRunning()
}

// NameStrategy reads the naming strategy, falling back to NameByExecutionID for missing or unknown values.
func (r *Resolver) NameStrategy(props flow.Props, log *zap.SugaredLogger) NameStrategy {
	value, ok := props[KeyNameStrategy]
	if !ok {
		log.Infof("%s is not set, defaulting to %s", KeyNameStrategy, NameByExecutionID)
		return NameByExecutionID
	}
	s, ok := ParseNameStrategy(value)
	if !ok {
		log.Warnf("%s is set to %q but that's not valid, using %s; possible values are %v", KeyNameStrategy, value, NameByExecutionID, nameStrategies)
		return NameByExecutionID
	}
	log.Infof("%s is set to %s", KeyNameStrategy, s)
	return s
}

// ClusterName builds the deterministic cluster name for a flow.
func (r *Resolver) ClusterName(fl *flow.Flow, props flow.Props, log *zap.SugaredLogger) string {
	prefix := props.String(KeyNamePrefix, DefaultNamePrefix)
	env := props.String(KeyEnvName, DefaultEnvName)

	switch r.NameStrategy(props, log) {
	case NameByProjectName:
		return fmt.Sprintf("%s - [%s-%s]", prefix, env, fl.ProjectName)
	default:
		return fmt.Sprintf("%s - [%s-%s:%d]", prefix, env, fl.FlowID, fl.ExecutionID)
	}
}
