// Package pidfile records the daemon's process ID on disk so a second
// instance refuses to start while the first is alive. A stale file left
// by a dead process is overwritten.
package pidfile

import (
	"bytes"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Read returns the PID recorded at path if it names a running process,
// or 0 otherwise. Malformed content and dead PIDs read as 0; only a
// failure to read the file itself is an error.
func Read(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, nil
	}
	if pid > 0 && alive(pid) {
		return pid, nil
	}
	return 0, nil
}

// Write records pid at path. It fails when the file already names a
// running process.
func Write(path string, pid int) error {
	if pid < 1 {
		return errors.Errorf("invalid PID (%d): only positive PIDs are allowed", pid)
	}
	oldPID, err := Read(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if oldPID != 0 {
		return errors.Errorf("process with PID %d is still running", oldPID)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// alive probes pid with the null signal. EPERM still means the process
// exists.
func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
