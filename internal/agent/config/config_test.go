package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30, cfg.MaxIterations)
	assert.False(t, cfg.AutoApprove)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 0.70, cfg.Context.Threshold)
	assert.Equal(t, 3, cfg.Detector.Window)
	assert.Equal(t, 0.95, cfg.CacheThreshold)
	assert.NotEmpty(t, cfg.Routing.General.ModelID)
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
max_iterations: 12
auto_approve: true
context:
  budget: 4000
  threshold: 0.5
routing:
  general:
    model: ollama/qwen3
    timeout: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.MaxIterations)
	assert.True(t, cfg.AutoApprove)
	assert.Equal(t, 4000, cfg.Context.Budget)
	assert.Equal(t, 0.5, cfg.Context.Threshold)
	assert.Equal(t, "ollama/qwen3", cfg.Routing.General.ModelID)
	assert.Equal(t, time.Minute, cfg.Routing.General.Timeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.Detector.Window)
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MaxIterations = 7

	require.NoError(t, cfg.Save())

	loaded, err := LoadFrom(filepath.Join(cfg.DataDir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.MaxIterations)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
}

func TestPathsDeriveFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/agentd-test"

	assert.Equal(t, "/tmp/agentd-test/data/agentd.db", cfg.DBPath())
	assert.Equal(t, "/tmp/agentd-test/personas", cfg.PersonasDir())
}
