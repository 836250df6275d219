package daemon_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/daemon"
)

func TestPidfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activematrix.pid")

	require.NoError(t, daemon.WritePidfile(path))
	pid, err := daemon.ReadPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, daemon.RemovePidfile(path))
	_, err = daemon.ReadPidfile(path)
	require.Error(t, err)
}

func TestWritePidfileRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activematrix.pid")

	// The test process itself is certainly alive.
	require.NoError(t, daemon.WritePidfile(path))
	err := daemon.WritePidfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestWritePidfileReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activematrix.pid")

	// Garbage contents read as no live owner.
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	require.NoError(t, daemon.WritePidfile(path))

	pid, err := daemon.ReadPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRemovePidfileMissingIsFine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	assert.NoError(t, daemon.RemovePidfile(path))
}

func TestReadPidfileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activematrix.pid")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	_, err := daemon.ReadPidfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pidfile")
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, daemon.ProcessAlive(os.Getpid()))
	assert.False(t, daemon.ProcessAlive(999999999))
}
