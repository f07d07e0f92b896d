package config_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelabs/whaletrace/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "bolt://localhost:7687", cfg.Memgraph.URI)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 0.30, cfg.Propagate.Floor)
	assert.Equal(t, 30*time.Second, cfg.Detect.TemporalWindowDuration())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[memgraph]
uri = "bolt://graph:7687"

[pipeline]
workers = 4
address_timeout = "30s"

[detect]
deposit_max_fan_in = 25
`), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bolt://graph:7687", cfg.Memgraph.URI)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Timeout())
	assert.Equal(t, 25, cfg.Detect.DepositMaxFanIn)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.02, cfg.Detect.NoiseFraction)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MEMGRAPH_URI", "bolt://prod:7687")
	t.Setenv("ETHERSCAN_API_KEY", "sekret")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "bolt://prod:7687", cfg.Memgraph.URI)
	assert.Equal(t, "sekret", cfg.Sources.EtherscanAPIKey)
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not toml ["), 0644))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, config.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, config.ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, config.ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, config.ParseLevel("bogus"))
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	log := config.SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)
	log.Info("pipeline started", "layer", "expansion")

	assert.Contains(t, stderr.String(), "pipeline started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "pipeline started", entry["msg"])
	assert.Equal(t, "expansion", entry["layer"])
}
