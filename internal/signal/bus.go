// Package signal implements the append-only signal log that drives phase
// transitions in external hook consumers. Every emission is an immutable
// ULID-named file; the workflow state carries a last-emitted-per-name
// projection. Delivery is at-least-once: duplicate emissions are legal and
// consumers are expected to be idempotent.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flowstate-io/flowstate/internal/fault"
	"github.com/flowstate-io/flowstate/internal/state"
)

// Signal is one immutable log entry.
type Signal struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TriggeredBy string          `json:"triggeredBy,omitempty"`
}

// Bus appends to the signal log and maintains the state projection.
type Bus struct {
	dir   string
	store *state.Store
	log   *slog.Logger
	now   func() time.Time
}

// NewBus creates a Bus writing entries under dir.
func NewBus(dir string, store *state.Store, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		dir:   dir,
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Emit appends a signal to the log and updates the last-emitted projection
// in the workflow state. The entry file is committed via temp+rename
// before the projection write, so a crash in between leaves the log ahead
// of the projection, never behind it.
func (b *Bus) Emit(ctx context.Context, name string, payload json.RawMessage, triggeredBy string) (*Signal, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("signal.emit %q: payload is not valid JSON", name)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fault.FromOS("signal.emit", err)
	}

	sig := &Signal{
		ID:          ulid.Make().String(),
		Name:        name,
		Timestamp:   b.now(),
		Payload:     payload,
		TriggeredBy: triggeredBy,
	}
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("signal.emit: %w", err)
	}

	path := filepath.Join(b.dir, sig.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return nil, fault.FromOS("signal.emit", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fault.FromOS("signal.emit", err)
	}

	ts := sig.Timestamp
	if _, err := b.store.Write(ctx, "signal:"+name, func(doc *state.Document) error {
		if doc.Signals == nil {
			doc.Signals = map[string]time.Time{}
		}
		doc.Signals[name] = ts
		return nil
	}); err != nil {
		// The log entry is already durable, so a retried emission is a
		// legal duplicate. Failed operations never hand back a value.
		return nil, fmt.Errorf("signal.emit %q: projection update (log entry %s is durable): %w", name, sig.ID, err)
	}

	b.log.Info("signal emitted", "name", name, "id", sig.ID)
	return sig, nil
}

// Latest returns the most recent emission of name, or nil when the signal
// was never emitted. The immutable log is authoritative here, not the
// state projection: a crash between the log append and the projection
// write leaves the log ahead, and Latest must still see that entry.
// LastSeen is the projection read. No lock is taken.
func (b *Bus) Latest(name string) (*Signal, error) {
	ids, err := b.ids()
	if err != nil {
		return nil, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		sig, err := b.read(ids[i])
		if err != nil {
			continue
		}
		if sig.Name == name {
			return sig, nil
		}
	}
	return nil, nil
}

// LastSeen returns the projection timestamp for name from the workflow
// state. Consumers gate on this for idempotent "already handled" checks.
func (b *Bus) LastSeen(name string) (time.Time, bool, error) {
	doc, err := b.store.Read()
	if err != nil {
		return time.Time{}, false, err
	}
	ts, ok := doc.Signals[name]
	return ts, ok, nil
}

// Iterator walks the log in emission order. It is lazy (entries are read
// one at a time) and restartable (construct a new one with the last seen
// id as the cursor).
type Iterator struct {
	bus *Bus
	ids []string
	pos int
}

// History iterates the full log from the beginning. A non-empty since id
// positions the cursor just after that entry.
func (b *Bus) History(since string) (*Iterator, error) {
	ids, err := b.ids()
	if err != nil {
		return nil, err
	}
	pos := 0
	if since != "" {
		// ULIDs sort chronologically, so the cursor is a binary search.
		pos = sort.SearchStrings(ids, since)
		if pos < len(ids) && ids[pos] == since {
			pos++
		}
	}
	return &Iterator{bus: b, ids: ids, pos: pos}, nil
}

// Next returns the next signal, or nil when the iterator is exhausted.
// Entries that vanish mid-iteration (external cleanup) are skipped.
func (it *Iterator) Next() (*Signal, error) {
	for it.pos < len(it.ids) {
		id := it.ids[it.pos]
		it.pos++
		sig, err := it.bus.read(id)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		return sig, nil
	}
	return nil, nil
}

// Get reads a single signal by id.
func (b *Bus) Get(id string) (*Signal, error) {
	return b.read(id)
}

func (b *Bus) ids() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.FromOS("signal.history", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Bus) read(id string) (*Signal, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("signal %s unreadable: %w", id, err)
	}
	return &sig, nil
}

func validName(name string) error {
	if name == "" {
		return errors.New("signal: empty name")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("signal: name %q must not contain path separators", name)
	}
	return nil
}
