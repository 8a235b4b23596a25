package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"go.uber.org/zap"
)

// Janitor periodically drops registry state about clusters that no longer run.
// Keep-alive overrides are otherwise never removed, since the cluster they protect is by definition not terminated by the manager.
type Janitor struct {
	m        *Manager
	interval time.Duration
	log      *zap.SugaredLogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (m *Manager) NewJanitor(interval time.Duration) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		m:        m,
		interval: interval,
		log:      m.log.Named("janitor"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(j.ctx)
		}
	}
}

// Sweep removes keep-alive overrides and idle cached ids of clusters that are gone, and returns how many entries it removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	snap := j.m.registry.Snapshot()
	removed := 0

	for _, ka := range snap.KeepAlive {
		if ka.Referenced {
			continue
		}
		gone, err := j.gone(ctx, ka.ID)
		if err != nil {
			j.log.Warnf("checking kept-alive cluster %s: %s", ka.ID, err)
			continue
		}
		if gone && j.m.registry.forgetIfIdle(ka.ID) {
			j.log.Infof("cluster %s kept alive since %s is no longer running, forgetting it", ka.ID, ka.Since.Format(time.RFC3339))
			j.m.metrics.JanitorSwept.Inc()
			removed++
		}
	}

	for _, e := range snap.Entries {
		if e.Refs > 0 || e.CachedID == "" {
			continue
		}
		gone, err := j.gone(ctx, e.CachedID)
		if err != nil {
			j.log.Warnf("checking cached cluster %s (%s): %s", e.Name, e.CachedID, err)
			continue
		}
		if gone && j.m.registry.evictIfIdle(e.Name, e.CachedID) {
			j.log.Debugf("evicted cached id %s of idle cluster %s", e.CachedID, e.Name)
			removed++
		}
	}
	return removed
}

func (j *Janitor) gone(ctx context.Context, id string) (bool, error) {
	details, err := j.m.service.FindClusterByID(ctx, id)
	if errors.Is(err, clusteriface.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !details.Status.IsRunning(), nil
}
