package fault

import (
	"errors"
	"os"
	"syscall"
)

// FromOS maps filesystem errors onto the taxonomy. ENOSPC becomes DiskFull
// and permission errors become PermissionDenied; anything else is returned
// unchanged for the caller to classify.
func FromOS(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return New(op, DiskFull, err)
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return New(op, PermissionDenied, err)
	}
	return err
}
