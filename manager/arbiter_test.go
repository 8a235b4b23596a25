package manager

import (
	"context"
	"testing"
	"time"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/cluster/local"
	"github.com/guseggert/flowcluster/flow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTerminateRetriesUntilAccepted(t *testing.T) {
	ctx := context.Background()
	svc := &mockService{}
	svc.On("TerminateCluster", mock.Anything, "j-7").Return(false, nil).Once()
	svc.On("TerminateCluster", mock.Anything, "j-7").Return(false, assert.AnError).Once()
	svc.On("TerminateCluster", mock.Anything, "j-7").Return(true, nil).Once()

	m, err := New(svc, WithLogger(zaptest.NewLogger(t).Sugar()), WithTerminateRetry(3, time.Millisecond))
	require.NoError(t, err)

	assert.True(t, m.terminate(ctx, "j-7", "etl", m.log))
	svc.AssertExpectations(t)
}

func TestTerminateGivesUp(t *testing.T) {
	ctx := context.Background()
	svc := &mockService{}
	svc.On("TerminateCluster", mock.Anything, "j-7").Return(false, assert.AnError).Times(3)

	m, err := New(svc, WithLogger(zaptest.NewLogger(t).Sugar()), WithTerminateRetry(3, time.Millisecond))
	require.NoError(t, err)

	assert.False(t, m.terminate(ctx, "j-7", "etl", m.log))
	svc.AssertExpectations(t)
}

func TestUnusableJoinedClusterStaysUpForOtherFlows(t *testing.T) {
	ctx := context.Background()
	svc := local.NewService()
	h := newHarness(t, svc)
	shared := flow.Props{KeyEnabled: "true", KeyNameStrategy: "PROJECT_NAME"}

	a := newFlow(1, "etl", "daily", shared.Clone())
	h.m.OnFlowStarted(ctx, a)
	require.False(t, h.killer.killed(1))
	require.Equal(t, "10.0.0.1", a.InputProps[KeyMasterEndpoint])
	name := a.ClusterProps[KeyInternalClusterName]

	// b joins the same cluster but gives it no time to be ready
	bProps := shared.Clone()
	bProps[KeySpoolUpTimeout] = "0"
	b := newFlow(2, "etl", "hourly", bProps)
	h.m.OnFlowStarted(ctx, b)

	assert.True(t, h.killer.killed(2))
	assert.Empty(t, b.ClusterProps[KeyInternalClusterID])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Metrics().ReadinessTimeouts))

	c, ok := svc.Cluster("c-1")
	require.True(t, ok)
	assert.Equal(t, clusteriface.StatusReady, c.Status)
	assert.Equal(t, 0, svc.TerminateCalls())
	assert.Equal(t, 1, h.m.Registry().Refs(name))
	cached, ok := h.m.Registry().CachedID(name)
	assert.True(t, ok)
	assert.Equal(t, "c-1", cached)

	// a is still the last user when it finishes
	a.Status = flow.StatusSucceeded
	h.m.OnFlowFinished(ctx, a)
	c, _ = svc.Cluster("c-1")
	assert.Equal(t, clusteriface.StatusTerminated, c.Status)
	assert.Equal(t, 1, svc.TerminateCalls())
	assert.Empty(t, h.m.Registry().Snapshot().Entries)
}
