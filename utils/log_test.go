package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_FiltersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, WARN)

	log.Info("dropped")
	log.Warn("kept %d", 1)
	log.Error("kept %d", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[WARN] kept 1")
	assert.Contains(t, lines[1], "[ERROR] kept 2")
}

func TestLogger_WithNestsRoles(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, TRACE).With("power").With("rls")

	log.Debug("reset")

	assert.Contains(t, buf.String(), "[DEBUG] [power/rls] reset")
}

func TestLogger_ChildSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(&buf, TRACE)
	child := root.With("can0")

	root.SetMinLevel(ERROR)
	child.Warn("dropped")

	assert.Empty(t, buf.String())
	assert.False(t, child.Enabled(WARN))
	assert.True(t, child.Enabled(CRITICAL))
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	log, err := NewFileLogger(path, INFO, false)
	require.NoError(t, err)

	log.With("main").Info("started")
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] [main] started")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, WARN, ParseLevel(" Warning "))
	assert.Equal(t, CRITICAL, ParseLevel("CRITICAL"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}
