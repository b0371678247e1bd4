package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasol-ai/datafactory/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", filepath.Join(dir, "test.db"))
	t.Setenv("INDEX_DIR", filepath.Join(dir, "indices"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.GPU.LockPath = filepath.Join(dir, "gpu.lock")
	return cfg
}

func TestBuildAppWiresGraph(t *testing.T) {
	cfg := testConfig(t)

	a, err := buildApp(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.store)
	assert.NotNil(t, a.indexes)
	assert.NotNil(t, a.coordinator)
	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.jobs)
	assert.NotNil(t, a.analyzer)
	assert.NotNil(t, a.analyzerJobs)

	// Hybrid search is on by default, so the sidecar is wired.
	assert.NotNil(t, a.lexical)

	// The queue is reachable through the wired store.
	stats, err := a.jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestBuildAppWithoutHybrid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Search.HybridEnabled = false

	a, err := buildApp(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.lexical)
}

func TestEndpointHost(t *testing.T) {
	assert.Equal(t, "localhost", endpointHost("http://localhost:11434"))
	assert.Equal(t, "gpu-box", endpointHost("http://gpu-box:11434"))
	assert.Equal(t, "127.0.0.1", endpointHost("://broken"))
	assert.Equal(t, "127.0.0.1", endpointHost(""))
}
