package logging

import (
	"aviatordash/config"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuild_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LoggingConfig{Level: "info", Format: "json"}, zapcore.AddSync(&buf))

	logger.Info("agent connected", zap.String("url", "ws://localhost:8000/ws"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "agent connected", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "ws://localhost:8000/ws", entry["url"])
}

func TestBuild_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LoggingConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))

	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestBuild_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LoggingConfig{Level: "loud"}, zapcore.AddSync(&buf))

	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestBuild_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := build(config.LoggingConfig{Level: "info", Format: "console"}, zapcore.AddSync(&buf))

	logger.Info("syncer started")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, "syncer started")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
}

func TestBuild_FileCore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aviatordash.log")
	var buf bytes.Buffer
	logger := build(config.LoggingConfig{
		Level:      "info",
		Format:     "console",
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, zapcore.AddSync(&buf))

	logger.Info("written to both")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &entry))
	assert.Equal(t, "written to both", entry["msg"])
	assert.Contains(t, buf.String(), "written to both")
}
