package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/flowcluster/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefaults = `
cluster:
  enabled: true
  env:
    name: qa
  spoolup:
    timeout: 30
  emr:
    applications: [Hadoop, Spark]
cluster.name.prefix: Nightly
`

func TestLoadDefaultsFindsFileUpward(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "project", "jobs")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, defaultsFileName), []byte(sampleDefaults), 0o644))

	props, path, err := loadDefaults("", sub, []string{"cluster.env.name=prod", "cluster.emr.tags = team=data"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, defaultsFileName), path)
	assert.Equal(t, flow.Props{
		"cluster.enabled":          "true",
		"cluster.env.name":         "prod",
		"cluster.spoolup.timeout":  "30",
		"cluster.emr.applications": "Hadoop,Spark",
		"cluster.name.prefix":      "Nightly",
		"cluster.emr.tags":         "team=data",
	}, props)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	props, path, err := loadDefaults("", t.TempDir(), []string{"cluster.enabled=false"})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, flow.Props{"cluster.enabled": "false"}, props)
}

func TestLoadDefaultsErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := loadDefaults(filepath.Join(dir, "missing.yaml"), dir, nil)
	assert.Error(t, err)

	_, _, err = loadDefaults("", dir, []string{"no-equals-sign"})
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cluster: [a: {b: c}]"), 0o644))
	_, _, err = loadDefaults(bad, dir, nil)
	assert.Error(t, err)
}
