package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 256, cfg.Storage.BatchSize)
	assert.Equal(t, 20*time.Millisecond, cfg.Storage.RetryBaseDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.Tier1Timeout)
	assert.Equal(t, time.Second, cfg.Pipeline.Tier2Timeout)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.Tier3Timeout)
	assert.Equal(t, 15*time.Second, cfg.Session.HeartbeatInterval)
	assert.Equal(t, "conflux", cfg.Logger.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conflux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  batch_size: 32
pipeline:
  workers: 2
  tier2_timeout: 250ms
critical:
  patterns:
    - "billing/**"
    - "*Charge*"
`), 0o644))
	t.Setenv("CONFLUX_STORAGE_DSN", filepath.Join(dir, "graph.db"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Storage.BatchSize)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.Tier2Timeout)
	assert.Equal(t, []string{"billing/**", "*Charge*"}, cfg.Critical.Patterns)
	assert.Equal(t, filepath.Join(dir, "graph.db"), cfg.Storage.DSN)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_CollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()
	cfg.Storage.Backend = "mongo"
	cfg.Pipeline.Workers = 0
	cfg.Server.DefaultEncoding = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
	assert.Contains(t, err.Error(), "pipeline.workers")
	assert.Contains(t, err.Error(), "server.default_encoding")
}
