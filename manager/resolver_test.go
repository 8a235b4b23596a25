package manager

import (
	"context"
	"testing"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/cluster/local"
	"github.com/guseggert/flowcluster/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestNameStrategyFallsBack(t *testing.T) {
	r := &Resolver{}

	cases := []struct {
		value    string
		set      bool
		expected NameStrategy
		warns    bool
	}{
		{set: false, expected: NameByExecutionID},
		{value: "project-name", set: true, expected: NameByProjectName},
		{value: "Project_Name", set: true, expected: NameByProjectName},
		{value: "EXECUTION_ID", set: true, expected: NameByExecutionID},
		{value: "per-team", set: true, expected: NameByExecutionID, warns: true},
	}
	for _, c := range cases {
		core, logs := observer.New(zap.WarnLevel)
		log := zap.New(core).Sugar()

		props := flow.Props{}
		if c.set {
			props[KeyNameStrategy] = c.value
		}
		assert.Equal(t, c.expected, r.NameStrategy(props, log), "value %q", c.value)

		warnings := logs.FilterLevelExact(zap.WarnLevel)
		if !c.warns {
			assert.Zero(t, warnings.Len(), "value %q", c.value)
			continue
		}
		require.Equal(t, 1, warnings.Len(), "value %q", c.value)
		assert.Contains(t, warnings.All()[0].Message, c.value)
		assert.Contains(t, warnings.All()[0].Message, KeyNameStrategy)
	}
}

func TestClusterName(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	r := &Resolver{}
	fl := &flow.Flow{ExecutionID: 42, ProjectName: "etl", FlowID: "daily"}

	assert.Equal(t, "Transient Cluster - [dev-daily:42]", r.ClusterName(fl, flow.Props{}, log))
	assert.Equal(t, "Transient Cluster - [prod-etl]", r.ClusterName(fl, flow.Props{
		KeyNameStrategy: "project-name",
		KeyEnvName:      "prod",
	}, log))
}

func TestModeResolution(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t).Sugar()
	svc := local.NewService()
	svc.AddCluster("j-1", "shared", clusteriface.StatusPending)
	r := &Resolver{Service: svc}

	assert.Equal(t, ModeSpecific, r.Mode(ctx, flow.Props{KeySelectID: "j-1"}, log))
	assert.Equal(t, ModeDefault, r.Mode(ctx, flow.Props{KeySelectID: "missing"}, log))
	assert.Equal(t, ModeCreate, r.Mode(ctx, flow.Props{KeySelectID: "missing", KeyEnabled: "true"}, log))
	assert.Equal(t, ModeDefault, r.Mode(ctx, flow.Props{KeyEnabled: "yes please"}, log))
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeDefault, ModeCreate, ModeSpecific} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}
	_, err := ParseMode("")
	assert.Error(t, err)
}
