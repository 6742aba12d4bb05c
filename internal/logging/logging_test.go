package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestMaskSensitive(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, Options{Level: "debug"}))
	logger.Info("config", slog.String("api_key", "abcdef123"), slog.String("token", "ab"), slog.String("user_id", "alice"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "abcd****", rec["api_key"])
	assert.Equal(t, "****", rec["token"])
	assert.Equal(t, "alice", rec["user_id"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, Options{Level: "warn", Format: "text"}))
	logger.Info("quiet")
	assert.Zero(t, buf.Len())
	logger.Warn("loud")
	assert.Contains(t, buf.String(), "msg=loud")
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "papertrader.log")
	logger, closer, err := New(Options{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("engine: order opened", slog.String("order_id", "o1"))
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"order_id":"o1"`)
}
