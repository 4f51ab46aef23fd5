package fault

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		kind Kind
		want Class
	}{
		{LockTimeout, Retryable},
		{LockStale, Retryable},
		{StateCorrupt, Fatal},
		{StateSchemaInvalid, Fatal},
		{MigrationFailed, Fatal},
		{CheckpointMissing, Fatal},
		{RestoreConflict, Retryable},
		{DiskFull, Fatal},
		{PermissionDenied, Fatal},
		{BackupRotationFailed, Degradable},
	}
	for _, tc := range cases {
		if got := ClassOf(tc.kind); got != tc.want {
			t.Errorf("ClassOf(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}

	t.Run("unknown kind is fatal", func(t *testing.T) {
		if got := ClassOf("no-such-kind"); got != Fatal {
			t.Errorf("ClassOf(unknown) = %v, want Fatal", got)
		}
	})
}

func TestErrorChain(t *testing.T) {
	cause := errors.New("open failed")
	err := New("state.read", StateCorrupt, cause)

	t.Run("unwrap reaches the cause", func(t *testing.T) {
		if !errors.Is(err, cause) {
			t.Error("errors.Is(err, cause) = false, want true")
		}
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("outer: %w", err)
		if got := KindOf(wrapped); got != StateCorrupt {
			t.Errorf("KindOf = %q, want %q", got, StateCorrupt)
		}
		if !IsKind(wrapped, StateCorrupt) {
			t.Error("IsKind = false, want true")
		}
	})

	t.Run("message carries op and kind", func(t *testing.T) {
		msg := err.Error()
		for _, want := range []string{"state.read", string(StateCorrupt), "open failed"} {
			if !strings.Contains(msg, want) {
				t.Errorf("Error() = %q, missing %q", msg, want)
			}
		}
	})
}

func TestIsRetryableAndDegradable(t *testing.T) {
	if !IsRetryable(Newf("lock.acquire", LockTimeout, "resource busy")) {
		t.Error("IsRetryable(LockTimeout) = false, want true")
	}
	if IsRetryable(Newf("state.read", StateCorrupt, "bad json")) {
		t.Error("IsRetryable(StateCorrupt) = true, want false")
	}
	if !IsDegradable(Newf("backup.rotate", BackupRotationFailed, "remove failed")) {
		t.Error("IsDegradable(BackupRotationFailed) = false, want true")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("IsRetryable(plain error) = true, want false")
	}
}

func TestFromOS(t *testing.T) {
	t.Run("enospc maps to disk_full", func(t *testing.T) {
		err := FromOS("state.write", fmt.Errorf("write: %w", syscall.ENOSPC))
		if got := KindOf(err); got != DiskFull {
			t.Errorf("KindOf = %q, want %q", got, DiskFull)
		}
	})

	t.Run("eacces maps to permission_denied", func(t *testing.T) {
		err := FromOS("state.write", fmt.Errorf("open: %w", syscall.EACCES))
		if got := KindOf(err); got != PermissionDenied {
			t.Errorf("KindOf = %q, want %q", got, PermissionDenied)
		}
	})

	t.Run("other errors pass through unkinded", func(t *testing.T) {
		cause := errors.New("transient")
		err := FromOS("state.write", cause)
		if got := KindOf(err); got != "" {
			t.Errorf("KindOf = %q, want empty", got)
		}
		if !errors.Is(err, cause) {
			t.Error("cause lost in passthrough")
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if FromOS("op", nil) != nil {
			t.Error("FromOS(nil) != nil")
		}
	})
}
