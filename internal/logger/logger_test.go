package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, WarnLevel)

	l.Info("should not appear")
	assert.Empty(t, buf.String())

	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestStructuredLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, DebugLevel)

	l.Info("registered", String("agent_id", "abc123"), Int("port", 4000))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "registered", entry["message"])
	assert.Equal(t, "abc123", entry["agent_id"])
	assert.Equal(t, float64(4000), entry["port"])
}

func TestStructuredLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, DebugLevel).WithFields(String("component", "hub"))

	l.Info("started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hub", entry["component"])
}

func TestStructuredLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, DebugLevel)

	ctx := context.WithValue(context.Background(), "request_id", "req-1")
	l.WithContext(ctx).Info("handled")

	assert.Contains(t, buf.String(), "req-1")
}

func TestStructuredLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, InfoLevel)

	l.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, l.GetLevel())

	l.Warn("suppressed")
	assert.Empty(t, buf.String())
}

func TestNewDefaultLogger_EnvLevel(t *testing.T) {
	t.Setenv("M2M_LOG_LEVEL", "debug")
	l := NewDefaultLogger()
	assert.Equal(t, DebugLevel, l.GetLevel())
}

func TestLevel_String(t *testing.T) {
	cases := map[Level]string{
		DebugLevel: "DEBUG",
		InfoLevel:  "INFO",
		WarnLevel:  "WARN",
		ErrorLevel: "ERROR",
		FatalLevel: "FATAL",
		Level(99):  "UNKNOWN",
	}
	for level, want := range cases {
		assert.Equal(t, want, level.String())
	}
}

func TestError_NilSafe(t *testing.T) {
	f := Error(nil)
	assert.Nil(t, f.Value)
}

func TestStructuredLogger_PrettyPrint(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, DebugLevel)
	l.SetPrettyPrint(true)
	l.Info("pretty")
	assert.True(t, strings.Contains(buf.String(), "\n  "))
}
