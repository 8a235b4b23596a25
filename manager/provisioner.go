package manager

import (
	"context"
	"fmt"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/internal/retry"
	"go.uber.org/zap"
)

// provision finds a running cluster called name or creates one, and returns its id.
// The caller's reference on name is kept on success and released on failure.
// The name lock is held for the whole call, so concurrent flows sharing a name
// create at most one cluster between them.
func (m *Manager) provision(ctx context.Context, name string, props flow.Props, log *zap.SugaredLogger) (string, error) {
	unlock := m.registry.LockName(name)
	defer unlock()

	n, _ := m.registry.Acquire(name)
	log.Infof("number of flow(s) currently using cluster %s: %d", name, n)

	lookup := m.lookupPolicy
	if n <= 1 {
		// nobody else is bringing this cluster up, no point in waiting for it
		lookup.Backoff = 0
	}
	lookup.OnMiss = func(attempt int, err error) {
		if err != nil {
			log.Warnf("error looking up cluster %s (attempt %d/%d): %s", name, attempt, lookup.Attempts, err)
			m.registry.EvictID(name, "")
			return
		}
		log.Infof("couldn't find running cluster %s (attempt %d/%d)", name, attempt, lookup.Attempts)
	}

	id, err := retry.Do(ctx, lookup, func(ctx context.Context, attempt int) (string, bool, error) {
		log.Infof("trying to find running cluster %s (attempt %d/%d)", name, attempt, lookup.Attempts)
		if n > 1 {
			if id, ok := m.registry.CachedID(name); ok {
				log.Infof("found cached id %s for cluster %s", id, name)
				return id, true, nil
			}
		}
		summary, err := m.service.FindRunningClusterByName(ctx, name, clusteriface.RunningStatuses)
		if err != nil {
			return "", false, err
		}
		if summary == nil {
			return "", false, nil
		}
		log.Infof("found cluster %s - id: %s, status: %s", summary.Name, summary.ID, summary.Status)
		m.registry.CacheID(name, summary.ID)
		return summary.ID, true, nil
	})
	if err == nil {
		m.metrics.Attached.Inc()
		return id, nil
	}

	log.Infof("no running cluster named %s, creating a new one", name)
	create := m.createPolicy
	create.OnMiss = func(attempt int, err error) {
		log.Warnf("error creating cluster %s (attempt %d/%d): %v", name, attempt, create.Attempts, err)
	}
	id, err = retry.Do(ctx, create, func(ctx context.Context, attempt int) (string, bool, error) {
		log.Infof("creating cluster %s (attempt %d/%d)", name, attempt, create.Attempts)
		id, err := m.service.CreateCluster(ctx, name, props)
		if err != nil {
			return "", false, err
		}
		return id, id != "", nil
	})
	if err != nil {
		m.registry.Release(name)
		m.registry.EvictID(name, "")
		return "", fmt.Errorf("creating cluster %q: %w", name, err)
	}

	log.Infof("new cluster created with id %s", id)
	m.registry.CacheID(name, id)
	m.metrics.Created.Inc()
	return id, nil
}
