package fibrt

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpLogger_NeverEnabledNeverPanics(t *testing.T) {
	l := NewNoOpLogger()
	for _, lvl := range []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		assert.False(t, l.IsEnabled(lvl))
	}
	assert.NotPanics(t, func() { l.Log(LogEntry{Level: LevelError, Message: "x"}) })
}

func TestWriterLogger_FiltersBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LevelWarn, &buf)

	LogInfo(l, "scheduler", "should be filtered", nil)
	assert.Empty(t, buf.String())

	LogWarn(l, "scheduler", "should appear", nil)
	assert.Contains(t, buf.String(), "should appear")
	assert.Contains(t, buf.String(), "scheduler")
}

func TestWriterLogger_IncludesContextFieldsAndError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LevelDebug, &buf)

	LogError(l, "fd", "read failed", errors.New("boom"), map[string]interface{}{"fd": 7})

	out := buf.String()
	assert.Contains(t, out, "read failed")
	assert.Contains(t, out, "fd=7")
	assert.Contains(t, out, "err=boom")
}

func TestWriterLogger_SetLevelChangesFilteringDynamically(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(LevelError, &buf)

	LogWarn(l, "fiber", "suppressed", nil)
	assert.Empty(t, buf.String())

	l.SetLevel(LevelWarn)
	LogWarn(l, "fiber", "now visible", nil)
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogLevel_StringCoversAllAndUnknown(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Contains(t, LogLevel(99).String(), "UNKNOWN")
}

func TestSetStructuredLogger_RoutesGlobalConvenienceFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetStructuredLogger(NewWriterLogger(LevelInfo, &buf))
	defer SetStructuredLogger(NewNoOpLogger())

	SInfo("scheduler", "hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestDefaultLogger_LevelGating(t *testing.T) {
	l := NewDefaultLogger(LevelError)
	assert.False(t, l.IsEnabled(LevelWarn))
	assert.True(t, l.IsEnabled(LevelError))
	l.SetLevel(LevelDebug)
	assert.True(t, l.IsEnabled(LevelDebug))
}

func TestNewFileLogger_WritesToFile(t *testing.T) {
	path := t.TempDir() + "/fibrt.log"
	l, err := NewFileLogger(LevelInfo, path)
	require.NoError(t, err)
	defer l.Out.Close()

	LogInfo(l, "scheduler", "persisted", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted")
}

func TestEscapeJSON_EscapesControlAndQuoteCharacters(t *testing.T) {
	escaped := escapeJSON("line\nwith\t\"quotes\"")
	assert.Equal(t, "line\\nwith\\t\\\"quotes\\\"", escaped)
}

func TestEscapeJSON_EscapesLowControlCharactersAsUnicode(t *testing.T) {
	escaped := escapeJSON("\x01\x1f")
	assert.Equal(t, "\\u0001\\u001f", escaped)
}
