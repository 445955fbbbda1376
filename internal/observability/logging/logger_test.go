package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(Config{Level: "info", Format: "json", Service: "pharmacy-api"}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("prescription uploaded", zap.String("prescription_id", "RX0001"))
	require.NoError(t, logger.Sync())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "prescription uploaded", entry["msg"])
	assert.Equal(t, "RX0001", entry["prescription_id"])
	assert.Equal(t, "pharmacy-api", entry["service"])
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.Error(t, err)

	_, err = New(Config{Level: "debug", Format: "xml"})
	assert.Error(t, err)

	_, err = New(Config{Level: "warn", Format: "console"})
	assert.NoError(t, err)
}
