package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestPatternFormatter(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogrusAdapter(&LoggerConfig{
		Level:   "debug",
		Pattern: "[%level] %msg {%field}\n",
		Output:  &buf,
	})
	require.NoError(t, err)

	l.WithFields(map[string]interface{}{"peer": "10.0.0.1:514", "bytes": 42}).Debug("fragment")

	assert.Equal(t, "[DEBUG] fragment {bytes=42,peer=10.0.0.1:514}\n", buf.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogrusAdapter(&LoggerConfig{Level: "warn", Output: &buf})
	require.NoError(t, err)

	l.Info("hidden")
	l.WithError(errors.New("boom")).Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "error=boom")
	assert.False(t, l.IsInfoEnabled())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := newLogrusAdapter(&LoggerConfig{Level: "loud", Output: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.True(t, l.IsInfoEnabled())
	assert.False(t, l.IsDebugEnabled())
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kpanic.log")
	l, err := newLogrusAdapter(&LoggerConfig{
		Level:  "info",
		Output: &bytes.Buffer{},
		File:   FileAppenderOpt{Enabled: true, Filename: path, MaxSize: 1},
	})
	require.NoError(t, err)

	l.Info("written to file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "written to file"))
}

func TestFileAppenderRequiresFilename(t *testing.T) {
	_, err := newLogrusAdapter(&LoggerConfig{
		Output: &bytes.Buffer{},
		File:   FileAppenderOpt{Enabled: true},
	})
	assert.Error(t, err)
}

func TestInitReplacesLogger(t *testing.T) {
	prev := GetLogger()
	defer SetLogger(prev)

	var buf bytes.Buffer
	require.NoError(t, Init(&LoggerConfig{Level: "info", Output: &buf}))
	GetLogger().Info("hello")
	assert.Contains(t, buf.String(), "hello")
}
