package manager

import (
	"context"

	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/internal/retry"
	"go.uber.org/zap"
)

// terminationAllowed applies the flow's own termination policy for its final status.
func terminationAllowed(props flow.Props, status flow.Status, log *zap.SugaredLogger) bool {
	if status == flow.StatusFailed {
		ok := props.Bool(KeyTerminateOnError, true)
		log.Infof("flow failed, %s=%t", KeyTerminateOnError, ok)
		return ok
	}
	ok := props.Bool(KeyTerminateOnComplete, true)
	log.Infof("flow finished with status %s, %s=%t", status, KeyTerminateOnComplete, ok)
	return ok
}

// maybeTerminate runs the shutdown process for a finished flow.
// Only clusters the manager created for the flow are ever terminated.
func (m *Manager) maybeTerminate(ctx context.Context, fl *flow.Flow, props flow.Props, log *zap.SugaredLogger) {
	recorded := props.String(KeyInternalMode, "")
	mode, err := ParseMode(recorded)
	if err != nil {
		log.Warnf("no usable execution mode recorded on the flow (%s), leaving any cluster alone", err)
		return
	}
	if mode != ModeCreate {
		log.Infof("execution mode was %s, the cluster will not be terminated", mode)
		return
	}

	id := props.String(KeyInternalClusterID, "")
	name := props.String(KeyInternalClusterName, "")
	log.Infof("starting shutdown process for cluster %s (%s)", name, id)
	if id == "" || name == "" {
		log.Warn("cluster id or name was not recorded on the flow, not terminating anything")
		return
	}

	thisOK := terminationAllowed(props, fl.Status, log)

	unlock := m.registry.LockName(name)
	defer unlock()

	v := m.registry.Finish(id, name, thisOK)
	log.Infow("shutdown decision",
		"cluster_id", id,
		"cluster_name", name,
		"flow_status", fl.Status,
		"remaining", v.Remaining,
		"this_flow_ok", thisOK,
		"others_ok", v.OthersOK,
	)

	switch {
	case !thisOK:
		m.metrics.Vetoes.Inc()
		log.Infof("this flow wants cluster %s kept alive, recording it so no other flow terminates it", id)
		return
	case !v.Last:
		log.Infof("%d other flow(s) still use cluster %s, not terminating it", v.Remaining, id)
		return
	case !v.Terminate:
		log.Warnf("not terminating cluster %s because a flow that used it asked for it to be kept alive", id)
		return
	}

	m.terminate(ctx, id, name, log)
}

// abandonCluster gives up this flow's reference after the cluster failed to become usable for it.
// The cluster is terminated and forgotten only if no other flow still uses it.
func (m *Manager) abandonCluster(ctx context.Context, id, name string, log *zap.SugaredLogger) {
	unlock := m.registry.LockName(name)
	defer unlock()

	if remaining := m.registry.Release(name); remaining > 0 {
		log.Warnf("%d other flow(s) still use cluster %s (%s), leaving it running", remaining, name, id)
		return
	}
	log.Infof("cleaning up state and cache for cluster %s (%s)", name, id)
	m.registry.Cleanup(id, name)
	m.terminate(ctx, id, name, log)
}

func (m *Manager) terminate(ctx context.Context, id, name string, log *zap.SugaredLogger) bool {
	log.Infof("terminating cluster - id: %s, name: %s", id, name)
	p := m.terminatePolicy
	p.OnMiss = func(attempt int, err error) {
		if err != nil {
			log.Warnf("error terminating cluster %s (attempt %d/%d): %s", id, attempt, p.Attempts, err)
			return
		}
		log.Warnf("cluster %s was not terminated (attempt %d/%d)", id, attempt, p.Attempts)
	}
	_, err := retry.Do(ctx, p, func(ctx context.Context, attempt int) (bool, bool, error) {
		ok, err := m.service.TerminateCluster(ctx, id)
		return ok, ok, err
	})
	if err != nil {
		m.metrics.TerminationFailures.Inc()
		log.Errorf("error terminating cluster (id: %s, name: %s): %s", id, name, err)
		return false
	}
	m.metrics.Terminated.Inc()
	log.Infof("cluster %s terminated", id)
	return true
}
