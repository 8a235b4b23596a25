package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/internal/test"
	"github.com/guseggert/flowcluster/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreIntegration(t *testing.T) {
	test.Integration(t)
	dsn := test.Env(t, "FLOWCLUSTER_TEST_DB_URL")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	execID := int(time.Now().UnixNano() % 1_000_000_000)
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), "DELETE FROM execution_flows WHERE exec_id = $1", execID)
		assert.NoError(t, err)
	})

	_, err = s.LoadExecutableFlow(ctx, execID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	fl := &flow.Flow{ExecutionID: execID, ProjectName: "etl", FlowID: "daily", Status: flow.StatusCreatingCluster}
	fl.SetInputProp("cluster.enabled", "true")
	require.NoError(t, s.UpdateExecutableFlow(ctx, fl))

	fl.Status = flow.StatusRunning
	fl.SetClusterProp("cluster.internal.cluster.id", "j-1")
	require.NoError(t, s.UpdateExecutableFlow(ctx, fl))

	loaded, err := s.LoadExecutableFlow(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusRunning, loaded.Status)
	assert.Equal(t, "true", loaded.InputProps["cluster.enabled"])
	assert.Equal(t, "j-1", loaded.ClusterProps["cluster.internal.cluster.id"])
}
