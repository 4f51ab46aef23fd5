package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/flowstate-io/flowstate/internal/fault"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), Config{
		TTL:        time.Minute,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "state")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.IsHeld("state") {
		t.Error("IsHeld = false after Acquire")
	}

	rec, err := m.Inspect("state")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if rec == nil {
		t.Fatal("Inspect returned nil record for held lock")
	}
	if rec.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", rec.PID, os.Getpid())
	}
	if rec.TTL != time.Minute {
		t.Errorf("TTL = %v, want %v", rec.TTL, time.Minute)
	}

	m.Release(h)
	if m.IsHeld("state") {
		t.Error("IsHeld = true after Release")
	}

	// Release is idempotent.
	m.Release(h)
}

func TestAcquireContention(t *testing.T) {
	m := testManager(t)

	h, err := m.Acquire(context.Background(), "state")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer m.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "state")
	if err == nil {
		t.Fatal("second Acquire succeeded, want timeout")
	}
	if !fault.IsKind(err, fault.LockTimeout) {
		t.Errorf("kind = %q, want %q", fault.KindOf(err), fault.LockTimeout)
	}
	if !fault.IsRetryable(err) {
		t.Error("lock timeout not retryable")
	}
}

func TestStaleReclamation(t *testing.T) {
	t.Run("expired and dead holder is reclaimed", func(t *testing.T) {
		m := testManager(t)
		var reclaimed []string
		m.cfg.OnReclaim = func(resource string) { reclaimed = append(reclaimed, resource) }
		if _, err := m.Acquire(context.Background(), "state"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}

		// The clock jumps past the TTL and the holder is gone.
		m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
		m.alive = func(pid int) bool { return false }

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h, err := m.Acquire(ctx, "state")
		if err != nil {
			t.Fatalf("Acquire after staleness: %v", err)
		}
		m.Release(h)

		if len(reclaimed) != 1 || reclaimed[0] != "state" {
			t.Errorf("reclaim hook calls = %v, want [state]", reclaimed)
		}
	})

	t.Run("expired but live holder keeps the lock", func(t *testing.T) {
		m := testManager(t)
		if _, err := m.Acquire(context.Background(), "state"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}

		m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
		m.alive = func(pid int) bool { return true }

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := m.Acquire(ctx, "state"); !fault.IsKind(err, fault.LockTimeout) {
			t.Errorf("err = %v, want lock_timeout", err)
		}
	})

	t.Run("dead holder within ttl keeps the lock", func(t *testing.T) {
		m := testManager(t)
		if _, err := m.Acquire(context.Background(), "state"); err != nil {
			t.Fatalf("Acquire: %v", err)
		}

		m.alive = func(pid int) bool { return false }

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := m.Acquire(ctx, "state"); !fault.IsKind(err, fault.LockTimeout) {
			t.Errorf("err = %v, want lock_timeout", err)
		}
	})
}

func TestAcquireMany(t *testing.T) {
	t.Run("acquires in lexical order", func(t *testing.T) {
		m := testManager(t)
		handles, err := m.AcquireMany(context.Background(), "state", "checkpoints")
		if err != nil {
			t.Fatalf("AcquireMany: %v", err)
		}
		if len(handles) != 2 {
			t.Fatalf("len(handles) = %d, want 2", len(handles))
		}
		if handles[0].Resource() != "checkpoints" || handles[1].Resource() != "state" {
			t.Errorf("order = [%s %s], want [checkpoints state]",
				handles[0].Resource(), handles[1].Resource())
		}
		m.ReleaseMany(handles)
	})

	t.Run("rolls back on partial failure", func(t *testing.T) {
		m := testManager(t)
		blocker, err := m.Acquire(context.Background(), "state")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		defer m.Release(blocker)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := m.AcquireMany(ctx, "state", "checkpoints"); err == nil {
			t.Fatal("AcquireMany succeeded, want timeout")
		}
		if m.IsHeld("checkpoints") {
			t.Error("checkpoints lock leaked after rollback")
		}
	})
}

func TestSharedLocks(t *testing.T) {
	t.Run("readers do not exclude each other", func(t *testing.T) {
		m := testManager(t)
		ctx := context.Background()
		a, err := m.AcquireShared(ctx, "state")
		if err != nil {
			t.Fatalf("first AcquireShared: %v", err)
		}
		b, err := m.AcquireShared(ctx, "state")
		if err != nil {
			t.Fatalf("second AcquireShared: %v", err)
		}
		m.Release(a)
		m.Release(b)
	})

	t.Run("writer waits for readers to drain", func(t *testing.T) {
		m := testManager(t)
		reader, err := m.AcquireShared(context.Background(), "state")
		if err != nil {
			t.Fatalf("AcquireShared: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := m.Acquire(ctx, "state"); !fault.IsKind(err, fault.LockTimeout) {
			t.Fatalf("Acquire with live reader: err = %v, want lock_timeout", err)
		}

		m.Release(reader)
		h, err := m.Acquire(context.Background(), "state")
		if err != nil {
			t.Fatalf("Acquire after drain: %v", err)
		}
		m.Release(h)
	})

	t.Run("writer excludes new readers", func(t *testing.T) {
		m := testManager(t)
		writer, err := m.Acquire(context.Background(), "state")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		defer m.Release(writer)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := m.AcquireShared(ctx, "state"); !fault.IsKind(err, fault.LockTimeout) {
			t.Errorf("AcquireShared with writer: err = %v, want lock_timeout", err)
		}
	})
}

func TestValidResource(t *testing.T) {
	m := testManager(t)
	for _, bad := range []string{"", "../escape", "a/b", "a\\b"} {
		if _, err := m.Acquire(context.Background(), bad); err == nil {
			t.Errorf("Acquire(%q) succeeded, want error", bad)
		}
	}
}

func TestHeldAndForceRelease(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "state"); err != nil {
		t.Fatalf("Acquire state: %v", err)
	}
	if _, err := m.AcquireShared(ctx, "checkpoints"); err != nil {
		t.Fatalf("AcquireShared checkpoints: %v", err)
	}

	recs, err := m.Held()
	if err != nil {
		t.Fatalf("Held: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(Held) = %d, want 2", len(recs))
	}

	if err := m.ForceRelease("state"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	if m.IsHeld("state") {
		t.Error("state still held after ForceRelease")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	rec := &Record{AcquiredAt: now, TTL: time.Minute}
	if rec.Expired(now.Add(30 * time.Second)) {
		t.Error("Expired = true before TTL")
	}
	if !rec.Expired(now.Add(61 * time.Second)) {
		t.Error("Expired = false after TTL")
	}
}
