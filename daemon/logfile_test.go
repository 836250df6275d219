package daemon_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/daemon"
)

func TestReopenableWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activematrix.log")

	w, err := daemon.OpenLogfile(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, path, w.Path())

	_, err = w.Write([]byte("one\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("two\n"))
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(raw))
}

func TestReopenableWriterFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activematrix.log")

	w, err := daemon.OpenLogfile(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("before\n"))
	require.NoError(t, err)

	// Rotate the way logrotate does: rename, then signal a reopen.
	rotated := filepath.Join(dir, "activematrix.log.1")
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, w.Reopen())

	_, err = w.Write([]byte("after\n"))
	require.NoError(t, err)

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, "before\n", string(old))

	fresh, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(fresh))
}

func TestOpenLogfileCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.log")

	w, err := daemon.OpenLogfile(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
