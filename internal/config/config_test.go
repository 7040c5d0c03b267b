package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/history"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 100.0, cfg.Server.Rate, 0.001)
	assert.Equal(t, 200, cfg.Server.Burst)
	assert.False(t, cfg.Server.GatewayAuth)
	assert.Equal(t, "data/reference.csv", cfg.Data.ReferenceCSV)
	assert.InDelta(t, 0.30, cfg.Scoring.DecisionThreshold, 0.0001)
	assert.Equal(t, 6, cfg.Scoring.TopK)
	assert.Equal(t, 8, cfg.Scoring.ChartMaxDisplay)
	assert.Equal(t, 2*time.Second, cfg.Scoring.RenderTimeout)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, history.BackendSQLite, cfg.History.Backend)
	assert.Equal(t, 50, cfg.History.Limit)
	assert.Equal(t, history.DefaultRedisKey, cfg.History.RedisKey)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Otel.Enabled)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
server:
  port: 9090
scoring:
  top_k: 4
  render_timeout: 500ms
history:
  backend: file
  path: /var/lib/creditscore/history.jsonl
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Scoring.TopK)
	assert.Equal(t, 500*time.Millisecond, cfg.Scoring.RenderTimeout)
	assert.Equal(t, history.BackendFile, cfg.History.Backend)
	assert.Equal(t, "console", cfg.Log.Format)
	// defaults still apply for unset values
	assert.Equal(t, 8, cfg.Scoring.ChartMaxDisplay)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoring.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  size: 16\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Cache.Size)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("CREDITSCORE_SERVER_PORT", "7070")
	t.Setenv("CREDITSCORE_HISTORY_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, history.BackendMemory, cfg.History.Backend)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CREDITSCORE_SCORING_TOP_K=3\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("CREDITSCORE_SCORING_TOP_K") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scoring.TopK)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"threshold", map[string]string{"CREDITSCORE_SCORING_DECISION_THRESHOLD": "1.5"}},
		{"top_k", map[string]string{"CREDITSCORE_SCORING_TOP_K": "0"}},
		{"max_display", map[string]string{"CREDITSCORE_SCORING_CHART_MAX_DISPLAY": "1"}},
		{"limit", map[string]string{"CREDITSCORE_HISTORY_LIMIT": "0"}},
		{"limit above retention", map[string]string{"CREDITSCORE_HISTORY_LIMIT": "51"}},
		{"backend", map[string]string{"CREDITSCORE_HISTORY_BACKEND": "tape"}},
		{"postgres_url", map[string]string{"CREDITSCORE_HISTORY_BACKEND": "postgres"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestConversions(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load("")
	require.NoError(t, err)

	p := cfg.ScoringParams()
	assert.Equal(t, cfg.Scoring.TopK, p.TopK)
	assert.Equal(t, cfg.History.Limit, p.HistoryLimit)

	h := cfg.HistoryOptions()
	assert.Equal(t, cfg.History.Backend, h.Backend)
	assert.Equal(t, cfg.History.Path, h.Path)
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "loud"}))
}
