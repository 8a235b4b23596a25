package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/cluster/local"
	"github.com/guseggert/flowcluster/flow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

type recordingStore struct {
	mut     sync.Mutex
	updates []flow.Status
}

func (s *recordingStore) UpdateExecutableFlow(ctx context.Context, fl *flow.Flow) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.updates = append(s.updates, fl.Status)
	return nil
}

type recordingKiller struct {
	mut     sync.Mutex
	reasons map[int]string
}

func (k *recordingKiller) KillFlow(ctx context.Context, fl *flow.Flow, reason string) error {
	k.mut.Lock()
	defer k.mut.Unlock()
	if k.reasons == nil {
		k.reasons = map[int]string{}
	}
	k.reasons[fl.ExecutionID] = reason
	return nil
}

func (k *recordingKiller) killed(execID int) bool {
	k.mut.Lock()
	defer k.mut.Unlock()
	_, ok := k.reasons[execID]
	return ok
}

type harness struct {
	m      *Manager
	svc    *local.Service
	store  *recordingStore
	killer *recordingKiller
}

func newHarness(t *testing.T, svc *local.Service, opts ...Option) *harness {
	h := &harness{svc: svc, store: &recordingStore{}, killer: &recordingKiller{}}
	base := []Option{
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithStore(h.store),
		WithKiller(h.killer),
		WithLookupRetry(5, time.Millisecond),
		WithCreateRetry(2, 0),
		WithTerminateRetry(3, time.Millisecond),
		WithPollInterval(time.Millisecond),
	}
	m, err := New(svc, append(base, opts...)...)
	require.NoError(t, err)
	h.m = m
	return h
}

func newFlow(execID int, project, flowID string, input flow.Props) *flow.Flow {
	return &flow.Flow{
		ExecutionID:  execID,
		ProjectName:  project,
		FlowID:       flowID,
		Status:       flow.StatusRunning,
		InputProps:   input,
		ClusterProps: flow.Props{},
	}
}

func TestCreateAttachAndTerminate(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithReadyAfter(1).WithEndpoint(func(string) string { return "10.0.0.5" })
	h := newHarness(t, svc)

	fl := newFlow(1, "etl", "daily", flow.Props{KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)

	assert.False(t, h.killer.killed(1))
	assert.Equal(t, "10.0.0.5", fl.InputProps[KeyMasterEndpoint])
	assert.Equal(t, "CREATE_CLUSTER", fl.ClusterProps[KeyInternalMode])
	assert.Equal(t, "c-1", fl.ClusterProps[KeyInternalClusterID])
	assert.Equal(t, "Transient Cluster - [dev-daily:1]", fl.ClusterProps[KeyInternalClusterName])
	assert.Equal(t, flow.StatusRunning, fl.Status)
	assert.Contains(t, h.store.updates, flow.StatusCreatingCluster)
	assert.Equal(t, 1, h.m.Registry().Refs(fl.ClusterProps[KeyInternalClusterName]))

	fl.Status = flow.StatusSucceeded
	h.m.OnFlowFinished(ctx, fl)

	c, ok := svc.Cluster("c-1")
	require.True(t, ok)
	assert.Equal(t, clusteriface.StatusTerminated, c.Status)

	snap := h.m.Registry().Snapshot()
	assert.Empty(t, snap.Entries)
	assert.Empty(t, snap.KeepAlive)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Metrics().Created))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Metrics().Terminated))
}

func TestConcurrentStartsShareOneCluster(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithReadyAfter(2)
	h := newHarness(t, svc)

	const n = 10
	flows := make([]*flow.Flow, n)
	for i := range flows {
		flows[i] = newFlow(i+1, "etl", fmt.Sprintf("f%d", i), flow.Props{
			KeyEnabled:      "true",
			KeyNameStrategy: "PROJECT_NAME",
		})
	}

	var g errgroup.Group
	for _, fl := range flows {
		fl := fl
		g.Go(func() error {
			h.m.OnFlowStarted(ctx, fl)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, svc.CreateCalls())
	name := "Transient Cluster - [dev-etl]"
	assert.Equal(t, n, h.m.Registry().Refs(name))
	for _, fl := range flows {
		assert.Equal(t, "c-1", fl.ClusterProps[KeyInternalClusterID])
		assert.Equal(t, "10.0.0.1", fl.InputProps[KeyMasterEndpoint])
	}

	for i, fl := range flows {
		fl.Status = flow.StatusSucceeded
		h.m.OnFlowFinished(ctx, fl)
		if i < n-1 {
			assert.Equal(t, 0, svc.TerminateCalls())
		}
	}
	assert.Equal(t, 1, svc.TerminateCalls())
	assert.Equal(t, 0, h.m.Registry().Refs(name))
}

func TestVetoKeepsSharedClusterAlive(t *testing.T) {
	for _, failedFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("failed flow finishes first: %t", failedFirst), func(t *testing.T) {
			ctx := context.Background()
			svc := local.NewService()
			h := newHarness(t, svc)

			props := func() flow.Props {
				return flow.Props{
					KeyEnabled:          "true",
					KeyNameStrategy:     "project-name",
					KeyTerminateOnError: "false",
				}
			}
			failing := newFlow(1, "etl", "a", props())
			passing := newFlow(2, "etl", "b", props())
			h.m.OnFlowStarted(ctx, failing)
			h.m.OnFlowStarted(ctx, passing)
			require.Equal(t, 1, svc.CreateCalls())

			failing.Status = flow.StatusFailed
			passing.Status = flow.StatusSucceeded
			order := []*flow.Flow{passing, failing}
			if failedFirst {
				order = []*flow.Flow{failing, passing}
			}
			for _, fl := range order {
				h.m.OnFlowFinished(ctx, fl)
			}

			assert.Equal(t, 0, svc.TerminateCalls())
			assert.True(t, h.m.Registry().IsKeptAlive("c-1"))
			assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Metrics().Vetoes))
		})
	}
}

func TestFailedFlowTerminatesByDefault(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc)

	fl := newFlow(7, "etl", "daily", flow.Props{KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)
	fl.Status = flow.StatusFailed
	h.m.OnFlowFinished(ctx, fl)

	assert.Equal(t, 1, svc.TerminateCalls())
	assert.False(t, h.m.Registry().IsKeptAlive("c-1"))
}

func TestKilledFlowUsesCompletionPolicy(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc)

	fl := newFlow(7, "etl", "daily", flow.Props{
		KeyEnabled:             "true",
		KeyTerminateOnError:    "true",
		KeyTerminateOnComplete: "false",
	})
	h.m.OnFlowStarted(ctx, fl)
	fl.Status = flow.StatusKilled
	h.m.OnFlowFinished(ctx, fl)

	assert.Equal(t, 0, svc.TerminateCalls())
	assert.True(t, h.m.Registry().IsKeptAlive("c-1"))
}

func TestReadinessTimeoutKillsFlowAndTerminatesCluster(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithNeverReady()
	h := newHarness(t, svc)

	fl := newFlow(3, "etl", "daily", flow.Props{
		KeyEnabled:        "true",
		KeySpoolUpTimeout: "2",
	})
	h.m.OnFlowStarted(ctx, fl)

	assert.True(t, h.killer.killed(3))
	assert.Empty(t, fl.ClusterProps[KeyInternalClusterID])
	assert.Empty(t, fl.InputProps[KeyMasterEndpoint])

	c, ok := svc.Cluster("c-1")
	require.True(t, ok)
	assert.Equal(t, clusteriface.StatusTerminated, c.Status)
	snap := h.m.Registry().Snapshot()
	assert.Empty(t, snap.Entries)
	assert.Empty(t, snap.KeepAlive)

	// the finish event afterwards has nothing left to do
	fl.Status = flow.StatusKilled
	h.m.OnFlowFinished(ctx, fl)
	assert.Equal(t, 1, svc.TerminateCalls())
}

func TestReadyWithoutEndpointFailsTheFlow(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithNoEndpoint()
	h := newHarness(t, svc)

	fl := newFlow(3, "etl", "daily", flow.Props{KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)

	assert.True(t, h.killer.killed(3))
	assert.Equal(t, 1, svc.TerminateCalls())
}

func TestCreateFailureReleasesReference(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithCreateFailures(2)
	h := newHarness(t, svc)

	fl := newFlow(4, "etl", "daily", flow.Props{KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)

	assert.True(t, h.killer.killed(4))
	assert.Equal(t, 2, svc.CreateCalls())
	assert.Empty(t, h.m.Registry().Snapshot().Entries)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Metrics().ProvisioningFailures))
}

func TestCreateSucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithCreateFailures(1)
	h := newHarness(t, svc)

	fl := newFlow(4, "etl", "daily", flow.Props{KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)

	assert.False(t, h.killer.killed(4))
	assert.Equal(t, 2, svc.CreateCalls())
	assert.Equal(t, "c-1", fl.ClusterProps[KeyInternalClusterID])
}

func TestAttachesToRunningClusterByName(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	svc.AddCluster("c-9", "Transient Cluster - [dev-etl]", clusteriface.StatusReady)
	h := newHarness(t, svc)

	fl := newFlow(5, "etl", "daily", flow.Props{KeyEnabled: "true", KeyNameStrategy: "project-name"})
	h.m.OnFlowStarted(ctx, fl)

	assert.Equal(t, 0, svc.CreateCalls())
	assert.Equal(t, "c-9", fl.ClusterProps[KeyInternalClusterID])
	assert.Equal(t, "10.0.0.9", fl.InputProps[KeyMasterEndpoint])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Metrics().Attached))
}

func TestSpecificClusterIsNeverTerminated(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService().WithEndpoint(func(id string) string { return "10.1.1.1" })
	svc.AddCluster("j-1", "shared", clusteriface.StatusReady)
	h := newHarness(t, svc)

	fl := newFlow(6, "etl", "daily", flow.Props{KeySelectID: "j-1", KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)

	assert.Equal(t, "SPECIFIC_CLUSTER", fl.ClusterProps[KeyInternalMode])
	assert.Equal(t, "j-1", fl.ClusterProps[KeyInternalClusterID])
	assert.Equal(t, "10.1.1.1", fl.InputProps[KeyMasterEndpoint])
	assert.Equal(t, 0, svc.CreateCalls())

	fl.Status = flow.StatusSucceeded
	h.m.OnFlowFinished(ctx, fl)
	assert.Equal(t, 0, svc.TerminateCalls())
	assert.Empty(t, h.m.Registry().Snapshot().Entries)
}

func TestInactiveSelectedClusterFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	svc.AddCluster("j-1", "shared", clusteriface.StatusTerminated)
	h := newHarness(t, svc)

	fl := newFlow(6, "etl", "daily", flow.Props{KeySelectID: "j-1", KeyEnabled: "true"})
	h.m.OnFlowStarted(ctx, fl)

	assert.Equal(t, "CREATE_CLUSTER", fl.ClusterProps[KeyInternalMode])
	assert.Equal(t, 1, svc.CreateCalls())
}

func TestDefaultModeDoesNothing(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc)

	fl := newFlow(8, "etl", "daily", flow.Props{})
	h.m.OnFlowStarted(ctx, fl)
	fl.Status = flow.StatusSucceeded
	h.m.OnFlowFinished(ctx, fl)

	assert.Equal(t, "DEFAULT_CLUSTER", fl.ClusterProps[KeyInternalMode])
	assert.Equal(t, 0, svc.CreateCalls())
	assert.Equal(t, 0, svc.TerminateCalls())
	assert.False(t, h.killer.killed(8))
}

func TestDefaultsAreOverriddenByFlowInput(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc, WithDefaults(flow.Props{
		KeyEnabled:    "true",
		KeyEnvName:    "prod",
		KeyNamePrefix: "Nightly",
	}))

	fl := newFlow(9, "etl", "daily", flow.Props{KeyEnvName: "qa"})
	h.m.OnFlowStarted(ctx, fl)

	assert.Equal(t, "Nightly - [qa-daily:9]", fl.ClusterProps[KeyInternalClusterName])
}

func TestHandleEventDispatches(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc)

	fl := newFlow(10, "etl", "daily", flow.Props{KeyEnabled: "true"})
	h.m.HandleEvent(ctx, flow.Event{Type: flow.EventFlowStarted, Flow: fl})
	assert.Equal(t, 1, svc.CreateCalls())

	h.m.HandleEvent(ctx, flow.Event{Type: "JOB_STARTED", Flow: fl})
	h.m.HandleEvent(ctx, flow.Event{Type: flow.EventFlowFinished})

	fl.Status = flow.StatusSucceeded
	h.m.HandleEvent(ctx, flow.Event{Type: flow.EventFlowFinished, Flow: fl})
	assert.Equal(t, 1, svc.TerminateCalls())
}

func TestJanitorForgetsTerminatedKeepAlive(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc)

	fl := newFlow(11, "etl", "daily", flow.Props{KeyEnabled: "true", KeyTerminateOnComplete: "false"})
	h.m.OnFlowStarted(ctx, fl)
	fl.Status = flow.StatusSucceeded
	h.m.OnFlowFinished(ctx, fl)
	require.True(t, h.m.Registry().IsKeptAlive("c-1"))

	j := h.m.NewJanitor(time.Hour)
	assert.Equal(t, 0, j.Sweep(ctx), "a running cluster stays protected")

	_, err := svc.TerminateCluster(ctx, "c-1")
	require.NoError(t, err)

	assert.Equal(t, 1, j.Sweep(ctx))
	assert.False(t, h.m.Registry().IsKeptAlive("c-1"))
	assert.Empty(t, h.m.Registry().Snapshot().Entries)
}

func TestJanitorStartStop(t *testing.T) {
	h := newHarness(t, local.NewService())
	h.m.Registry().KeepAlive("gone")

	j := h.m.NewJanitor(time.Millisecond)
	j.Start()
	assert.Eventually(t, func() bool {
		return !h.m.Registry().IsKeptAlive("gone")
	}, time.Second, 5*time.Millisecond)
	j.Stop()
}
