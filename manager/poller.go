package manager

import (
	"context"
	"errors"
	"time"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/internal/retry"
	"go.uber.org/zap"
)

// waitForEndpoint polls the cluster until it is ready and returns its master endpoint.
// The budget is counted in poll intervals, one per minute of timeoutMinutes.
// It returns false if the budget runs out, the context ends, the ready cluster has no endpoint,
// or the cluster is shutting down or gone, in which case it gives up without waiting out the budget.
func (m *Manager) waitForEndpoint(ctx context.Context, id string, timeoutMinutes int, log *zap.SugaredLogger) (string, bool) {
	log.Infof("will wait for cluster %s to be ready for %d minutes (%s)", id, timeoutMinutes, KeySpoolUpTimeout)
	start := time.Now()

	for remaining := timeoutMinutes; remaining > 0; remaining-- {
		ready, err := m.service.IsClusterReady(ctx, id)
		if errors.Is(err, clusteriface.ErrNotFound) {
			log.Errorf("cluster %s no longer exists", id)
			return "", false
		}
		if err != nil {
			log.Warnf("checking whether cluster %s is ready: %s", id, err)
		}
		if ready {
			endpoint, err := m.service.MasterEndpoint(ctx, id)
			if err != nil {
				log.Errorf("cluster %s is ready but its master endpoint could not be found: %s", id, err)
				return "", false
			}
			if endpoint == "" {
				log.Errorf("cluster %s is ready but has no master endpoint", id)
				return "", false
			}
			log.Infof("cluster %s is ready, spin-up time was %s", id, time.Since(start).Round(time.Second))
			return endpoint, true
		}

		if st, ok := m.endedStatus(ctx, id); ok {
			log.Errorf("cluster %s is %s, it will never be ready", id, st)
			return "", false
		}

		log.Infof("waiting for cluster %s to be ready, %d minutes remaining", id, remaining)
		if err := retry.Sleep(ctx, m.pollInterval); err != nil {
			log.Errorf("stopped waiting for cluster %s: %s", id, err)
			return "", false
		}
	}

	log.Errorf("cluster %s failed to spool up after waiting for %d minutes", id, timeoutMinutes)
	return "", false
}

// endedStatus reports whether the cluster is terminating or terminated.
// Lookup errors are not conclusive and report false.
func (m *Manager) endedStatus(ctx context.Context, id string) (clusteriface.Status, bool) {
	details, err := m.service.FindClusterByID(ctx, id)
	if errors.Is(err, clusteriface.ErrNotFound) {
		return clusteriface.StatusTerminated, true
	}
	if err != nil {
		return clusteriface.StatusUnknown, false
	}
	switch details.Status {
	case clusteriface.StatusTerminating, clusteriface.StatusTerminated:
		return details.Status, true
	}
	return details.Status, false
}
