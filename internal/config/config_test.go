package config

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
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEDIAFLOW_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15<<20, cfg.MaxMessageSize)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5*time.Second, cfg.BlockTimeout)
	assert.Equal(t, AllComponents, cfg.Components)
	assert.NotEmpty(t, cfg.ConsumerName)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis_addr: redis.internal:6379
max_message_size: 1048576
block_timeout: 250ms
stuck_after: 1h
log_level: debug
llm_provider: bedrock
components: [status, graph]
`), 0o600))

	t.Setenv("MEDIAFLOW_CONFIG", path)
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("MEDIAFLOW_COMPONENTS", "HTTP, tcp")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "override:6379", cfg.RedisAddr, "environment wins over file")
	assert.Equal(t, 1<<20, cfg.MaxMessageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.BlockTimeout)
	assert.Equal(t, time.Hour, cfg.StuckAfter)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, ProviderBedrock, cfg.LLMProvider)
	assert.Equal(t, []string{"http", "tcp"}, cfg.Components)
	assert.True(t, cfg.Enabled(ComponentHTTP))
	assert.False(t, cfg.Enabled(ComponentStatus))
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing file", map[string]string{"MEDIAFLOW_CONFIG": "/nonexistent/mediaflow.yaml"}},
		{"bad int", map[string]string{"MEDIAFLOW_MAX_MESSAGE_SIZE": "lots"}},
		{"bad duration", map[string]string{"MEDIAFLOW_STUCK_AFTER": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MEDIAFLOW_CONFIG", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job routed", "job_id", "abc")

	assert.Contains(t, stderr.String(), "job routed")
	assert.NotContains(t, stderr.String(), "hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &line))
	assert.Equal(t, "job routed", line["msg"])
	assert.Equal(t, "abc", line["job_id"])
}

func TestSetupLoggerFallsBackToStderr(t *testing.T) {
	cfg := Defaults()
	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "dir", "log.json")

	logger, cleanup := SetupLogger(cfg, "mediaflowd")
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}
