package signal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowstate-io/flowstate/internal/lock"
	"github.com/flowstate-io/flowstate/internal/state"
)

func testBus(t *testing.T) (*Bus, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	locks, err := lock.NewManager(filepath.Join(dir, "locks"), lock.Config{
		TTL:       time.Minute,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	store := state.NewStore(filepath.Join(dir, "state.json"), filepath.Join(dir, "backups"), locks)
	if _, err := store.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return NewBus(filepath.Join(dir, "signals"), store, nil), store
}

func TestEmit(t *testing.T) {
	bus, store := testBus(t)
	ctx := context.Background()

	sig, err := bus.Emit(ctx, "install-done", json.RawMessage(`{"step": 4}`), "hook-42")
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if sig.ID == "" {
		t.Error("ID empty")
	}
	if sig.Name != "install-done" {
		t.Errorf("Name = %q, want install-done", sig.Name)
	}
	if sig.TriggeredBy != "hook-42" {
		t.Errorf("TriggeredBy = %q, want hook-42", sig.TriggeredBy)
	}

	t.Run("projection updated", func(t *testing.T) {
		doc, err := store.Read()
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := doc.Signals["install-done"]; !ok {
			t.Error("projection missing install-done")
		}
	})

	t.Run("invalid payload refused", func(t *testing.T) {
		if _, err := bus.Emit(ctx, "x", json.RawMessage(`{broken`), ""); err == nil {
			t.Error("Emit accepted malformed payload")
		}
	})

	t.Run("invalid name refused", func(t *testing.T) {
		if _, err := bus.Emit(ctx, "a/b", nil, ""); err == nil {
			t.Error("Emit accepted name with path separator")
		}
	})
}

func TestDuplicateEmission(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	first, err := bus.Emit(ctx, "deploy", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := bus.Emit(ctx, "deploy", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("duplicate emissions share an ID")
	}

	t.Run("log keeps both entries", func(t *testing.T) {
		it, err := bus.History("")
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for {
			sig, err := it.Next()
			if err != nil {
				t.Fatal(err)
			}
			if sig == nil {
				break
			}
			count++
		}
		if count != 2 {
			t.Errorf("log entries = %d, want 2", count)
		}
	})

	t.Run("projection keeps the newest", func(t *testing.T) {
		ts, ok, err := bus.LastSeen("deploy")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("LastSeen = not found")
		}
		if !ts.Equal(second.Timestamp) {
			t.Errorf("LastSeen = %v, want %v", ts, second.Timestamp)
		}
	})

	t.Run("latest returns the newest entry", func(t *testing.T) {
		sig, err := bus.Latest("deploy")
		if err != nil {
			t.Fatal(err)
		}
		if sig == nil || sig.ID != second.ID {
			t.Errorf("Latest = %v, want id %s", sig, second.ID)
		}
	})
}

func TestEmitProjectionFailure(t *testing.T) {
	bus, store := testBus(t)
	ctx := context.Background()

	// A corrupt canonical document makes the projection write fail while
	// the log append still lands.
	if err := os.WriteFile(store.Path(), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	sig, err := bus.Emit(ctx, "rollout-done", nil, "hook-7")
	if err == nil {
		t.Fatal("Emit with failing projection succeeded")
	}
	if sig != nil {
		t.Errorf("Emit returned %v alongside error, want nil", sig)
	}

	t.Run("log entry still visible to latest", func(t *testing.T) {
		got, err := bus.Latest("rollout-done")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if got == nil || got.Name != "rollout-done" {
			t.Errorf("Latest = %v, want the durable log entry", got)
		}
	})
}

func TestLatestUnknownSignal(t *testing.T) {
	bus, _ := testBus(t)
	sig, err := bus.Latest("never-emitted")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if sig != nil {
		t.Errorf("Latest = %v, want nil", sig)
	}
}

func TestHistoryCursor(t *testing.T) {
	bus, _ := testBus(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"a", "b", "c", "d"} {
		sig, err := bus.Emit(ctx, name, nil, "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, sig.ID)
		time.Sleep(time.Millisecond)
	}

	t.Run("full replay in emission order", func(t *testing.T) {
		it, err := bus.History("")
		if err != nil {
			t.Fatal(err)
		}
		var got []string
		for {
			sig, err := it.Next()
			if err != nil {
				t.Fatal(err)
			}
			if sig == nil {
				break
			}
			got = append(got, sig.ID)
		}
		if len(got) != len(ids) {
			t.Fatalf("replayed %d, want %d", len(got), len(ids))
		}
		for i := range ids {
			if got[i] != ids[i] {
				t.Errorf("position %d = %s, want %s", i, got[i], ids[i])
			}
		}
	})

	t.Run("resume after cursor", func(t *testing.T) {
		it, err := bus.History(ids[1])
		if err != nil {
			t.Fatal(err)
		}
		sig, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if sig == nil || sig.ID != ids[2] {
			t.Errorf("first after cursor = %v, want %s", sig, ids[2])
		}
	})

	t.Run("cursor past the end yields nothing", func(t *testing.T) {
		it, err := bus.History(ids[3])
		if err != nil {
			t.Fatal(err)
		}
		sig, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if sig != nil {
			t.Errorf("got %v, want nil", sig)
		}
	})
}

func TestGet(t *testing.T) {
	bus, _ := testBus(t)
	sig, err := bus.Emit(context.Background(), "one", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	got, err := bus.Get(sig.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "one" {
		t.Errorf("Name = %q, want one", got.Name)
	}

	if _, err := bus.Get("01ZZZZZZZZZZZZZZZZZZZZZZZZ"); err == nil {
		t.Error("Get(unknown) succeeded, want error")
	}
}
