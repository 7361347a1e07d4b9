package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlogLogger_LevelsAndArgsReachHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.Info("engine ready", "role", "primary")
	logger.Warn("restart budget low", "role", "secondary", "remaining", 1)
	logger.Error("transcription failed", "role", "primary", "reason", "timeout")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, "engine ready", first["msg"])
	require.Equal(t, "primary", first["role"])

	var last map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[2], &last))
	require.Equal(t, "transcription failed", last["msg"])
	require.Equal(t, "timeout", last["reason"])
}

func TestNewSlogLogger_NilDefaultsToStderrHandler(t *testing.T) {
	logger := NewSlogLogger(nil)
	require.NotNil(t, logger.logger)
}
