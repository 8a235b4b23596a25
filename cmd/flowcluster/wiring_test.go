package main

import (
	"context"
	"testing"

	"github.com/guseggert/flowcluster/cluster/emr"
	"github.com/guseggert/flowcluster/cluster/local"
	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBuildService(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()

	s, err := buildService("local", "", nil, log)
	require.NoError(t, err)
	assert.IsType(t, &local.Service{}, s)

	s, err = buildService("emr", "", flow.Props{emr.KeyRegion: "eu-west-1"}, log)
	require.NoError(t, err)
	assert.IsType(t, &emr.Service{}, s)

	_, err = buildService("gcp", "", nil, log)
	assert.Error(t, err)
}

func TestBuildStore(t *testing.T) {
	ctx := context.Background()

	s, closeStore, err := buildStore(ctx, "memory", "")
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &store.Memory{}, s)

	_, _, err = buildStore(ctx, "postgres", "")
	assert.Error(t, err)

	_, _, err = buildStore(ctx, "sqlite", "")
	assert.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	_, err := buildLogger("debug")
	assert.NoError(t, err)
	_, err = buildLogger("loud")
	assert.Error(t, err)
}
