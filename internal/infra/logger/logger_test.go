package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelWarn)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	l.Warn("warn %d", 3)
	l.Error("error %d", 4)

	out := buf.String()
	assert.NotContains(t, out, "debug 1")
	assert.NotContains(t, out, "info 2")
	assert.Contains(t, out, "[WARN] warn 3")
	assert.Contains(t, out, "[ERROR] error 4")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestWriterAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelInfo)

	n, err := l.Write([]byte("GET /api/transfers 200\n"))
	require.NoError(t, err)
	assert.Equal(t, 23, n)
	assert.Contains(t, buf.String(), "[INFO] GET /api/transfers 200")
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockxfer.log")
	l, err := New(path, LevelInfo, false)
	require.NoError(t, err)

	l.Info("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] hello")
}
