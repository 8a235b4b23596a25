package local

import (
	"context"
	"testing"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyAfter(t *testing.T) {
	ctx := context.Background()
	s := NewService().WithReadyAfter(2)

	id, err := s.CreateCluster(ctx, "etl", flow.Props{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		ready, err := s.IsClusterReady(ctx, id)
		require.NoError(t, err)
		assert.False(t, ready)
	}
	ready, err := s.IsClusterReady(ctx, id)
	require.NoError(t, err)
	assert.True(t, ready)

	endpoint, err := s.MasterEndpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", endpoint)
}

func TestFindRunningClusterByName(t *testing.T) {
	ctx := context.Background()
	s := NewService()
	s.AddCluster("old", "etl", clusteriface.StatusTerminated)

	summary, err := s.FindRunningClusterByName(ctx, "etl", clusteriface.RunningStatuses)
	require.NoError(t, err)
	assert.Nil(t, summary)

	id, err := s.CreateCluster(ctx, "etl", nil)
	require.NoError(t, err)

	summary, err = s.FindRunningClusterByName(ctx, "etl", clusteriface.RunningStatuses)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, id, summary.ID)
}

func TestScriptedFailures(t *testing.T) {
	ctx := context.Background()
	s := NewService().WithCreateFailures(1).WithLookupFailures(1)

	_, err := s.FindRunningClusterByName(ctx, "x", clusteriface.RunningStatuses)
	assert.Error(t, err)
	_, err = s.CreateCluster(ctx, "x", nil)
	assert.Error(t, err)
	_, err = s.CreateCluster(ctx, "x", nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, s.CreateCalls())

	_, err = s.TerminateCluster(ctx, "missing")
	assert.ErrorIs(t, err, clusteriface.ErrNotFound)
}
