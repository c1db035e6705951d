package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("pool low", "template", "tracker")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pool low", entry["msg"])
	assert.Equal(t, "tracker", entry["template"])
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "text", NoColor: true}, &buf)
	require.NoError(t, err)

	logger.Debug("clone failed", "error", errors.New("disk full"))
	assert.Contains(t, buf.String(), "clone failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestConfigErrors(t *testing.T) {
	_, err := New(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New(Config{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)

	level, err := ParseLevel("ERROR")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelError, level)
}
