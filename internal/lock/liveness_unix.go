//go:build !windows

package lock

import (
	"errors"
	"os"
	"syscall"
)

// processAlive probes pid with signal zero. ESRCH means the process is
// gone; EPERM means it exists under another user and therefore counts as
// alive. This is the single cross-platform liveness mechanism used for
// stale-lock detection.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	return false
}
