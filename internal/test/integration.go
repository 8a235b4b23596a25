package test

import (
	"os"
	"testing"
)

// EnvIntegration enables tests that need real infrastructure (a Docker daemon, AWS, PostgreSQL, RabbitMQ).
const EnvIntegration = "FLOWCLUSTER_INTEGRATION"

// Integration skips the test unless integration tests are enabled.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvIntegration) != "1" {
		t.Skipf("set %s=1 to run integration tests", EnvIntegration)
	}
}

// Env returns the value of key, skipping the test if it is not set.
func Env(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s is not set", key)
	}
	return v
}
