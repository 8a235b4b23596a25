package store

import (
	"context"
	"testing"

	"github.com/guseggert/flowcluster/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoresCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.LoadExecutableFlow(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	fl := &flow.Flow{ExecutionID: 1, ProjectName: "etl", FlowID: "daily", Status: flow.StatusRunning}
	fl.SetClusterProp("cluster.internal.cluster.id", "c-1")
	require.NoError(t, m.UpdateExecutableFlow(ctx, fl))

	fl.SetClusterProp("cluster.internal.cluster.id", "c-2")

	loaded, err := m.LoadExecutableFlow(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "c-1", loaded.ClusterProps["cluster.internal.cluster.id"])
	assert.Equal(t, flow.StatusRunning, loaded.Status)
}
