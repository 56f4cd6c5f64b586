package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  enabled: false
  strategy: costly
indexserver:
  host: 10.0.0.1
  port: 9999
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, StrategyCostly, cfg.Cache.Strategy)
	assert.Equal(t, "10.0.0.1", cfg.IndexServer.Host)
	assert.Equal(t, 9999, cfg.IndexServer.Port)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().Reorg, cfg.Reorg)
}

func TestLoadAppliesEnvOverridesAfterYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("indexserver:\n  port: 1\n"), 0o644))

	t.Setenv("GEOCACHE_INDEXSERVER_PORT", "2222")
	t.Setenv("GEOCACHE_CACHE_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.IndexServer.Port, "env var must win over the YAML value")
	assert.False(t, cfg.Cache.Enabled)
}

func TestApplyEnvOverridesIgnoresMalformedInts(t *testing.T) {
	t.Setenv("GEOCACHE_INDEXSERVER_PORT", "not-a-number")
	cfg := Default()
	applyEnvOverrides(&cfg)
	assert.Equal(t, Default().IndexServer.Port, cfg.IndexServer.Port)
}

func TestCacheEnabledEnvAcceptsZeroAsFalse(t *testing.T) {
	t.Setenv("GEOCACHE_CACHE_ENABLED", "0")
	cfg := Default()
	applyEnvOverrides(&cfg)
	assert.False(t, cfg.Cache.Enabled)
}
