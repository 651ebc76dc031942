package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AutoFallsBackToJSONForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: "auto", Output: &buf})
	require.NoError(t, err)

	logger.Info("job stage", "job_id", "job-1", "stage", "renaming")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "job stage", entry["msg"])
	assert.Equal(t, "renaming", entry["stage"])
}

func TestNew_ConsoleAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Format: "console", Output: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "frame", "1_a")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "frame=1_a")
}

func TestNew_UnsupportedFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
