package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	err := Write(path, 0)
	assert.ErrorContains(t, err, "invalid PID")

	assert.NilError(t, Write(path, os.Getpid()))
	pid, err := Read(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(pid, os.Getpid()))

	err = Write(path, os.Getpid())
	assert.ErrorContains(t, err, "still running")
}

func TestStaleFileIsOverwritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	assert.NilError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	pid, err := Read(path)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(pid, 0))

	assert.NilError(t, Write(path, os.Getpid()))
}
