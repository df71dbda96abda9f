package utils

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("test", Warning)
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[test] ")
	assert.Contains(t, buf.String(), "[WARN] shown k=1")

	logger.SetLogLevel(Debug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG] now visible")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("test", Info)
	parent.SetOutput(&buf)

	child := parent.With("tool_id", "gpt-4o")
	child.Info("called", "cost", 0.5)
	assert.Contains(t, buf.String(), "[INFO] called tool_id=gpt-4o cost=0.5")

	buf.Reset()
	parent.Info("plain")
	assert.NotContains(t, buf.String(), "tool_id")

	// children share the parent's level
	parent.SetLogLevel(Error)
	buf.Reset()
	child.Info("dropped")
	assert.Empty(t, buf.String())
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name    string
		keyvals []interface{}
		want    string
	}{
		{"no fields", nil, "[INFO] msg"},
		{"pairs", []interface{}{"a", 1, "b", "x"}, "[INFO] msg a=1 b=x"},
		{"quoted", []interface{}{"error", "connection reset"}, `[INFO] msg error="connection reset"`},
		{"dangling key", []interface{}{"a", 1, "b"}, "[INFO] msg a=1 b=!MISSING"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatMessage("INFO", "msg", tt.keyvals))
		})
	}
}

func TestLogger_ParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel(" Warn ")
	require.NoError(t, err)
	assert.Equal(t, Warning, level)

	level, err = ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, Debug, level)

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
}
