//go:build windows

package lock

import "os"

// processAlive reports whether pid refers to a live process. On Windows,
// FindProcess opens a handle and fails for exited processes.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
