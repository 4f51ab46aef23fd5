// Package watch follows the pipeline directory and streams coordination
// events as they land: signal emissions and canonical document commits.
// It exists for hook debugging and external monitors; core operations
// never depend on it.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/flowstate-io/flowstate/internal/signal"
	"github.com/flowstate-io/flowstate/internal/state"
)

// EventKind discriminates stream events.
type EventKind string

const (
	// KindSignal is a new signal log entry.
	KindSignal EventKind = "signal"
	// KindState is a commit of the canonical document.
	KindState EventKind = "state"
)

// Event is one observed change.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Signal *signal.Signal `json:"signal,omitempty"`
	Phase  string         `json:"phase,omitempty"`
}

// Watcher follows the signal directory and the state document.
type Watcher struct {
	signalDir string
	statePath string
	bus       *signal.Bus
	store     *state.Store
	log       *slog.Logger
}

// New builds a Watcher over the given paths.
func New(signalDir, statePath string, bus *signal.Bus, store *state.Store, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		signalDir: signalDir,
		statePath: statePath,
		bus:       bus,
		store:     store,
		log:       log,
	}
}

// Run blocks, invoking fn for every event until ctx is canceled. The
// signal directory is created if missing so watching can start before the
// first emission.
func (w *Watcher) Run(ctx context.Context, fn func(Event)) error {
	if err := os.MkdirAll(w.signalDir, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.signalDir); err != nil {
		return err
	}
	// Watch the state file's directory: commits arrive as renames onto
	// the canonical path, which surface as Create events on it.
	if err := fsw.Add(filepath.Dir(w.statePath)); err != nil {
		return err
	}

	seen := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.dispatch(ev, seen, fn)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event, seen map[string]bool, fn func(Event)) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}

	if filepath.Clean(ev.Name) == filepath.Clean(w.statePath) {
		doc, err := w.store.Read()
		if err != nil {
			w.log.Warn("state unreadable during watch", "error", err)
			return
		}
		fn(Event{Kind: KindState, Phase: doc.Phase})
		return
	}

	if filepath.Dir(ev.Name) == filepath.Clean(w.signalDir) &&
		strings.HasSuffix(ev.Name, ".json") && !strings.HasSuffix(ev.Name, ".tmp") {
		id := strings.TrimSuffix(filepath.Base(ev.Name), ".json")
		if seen[id] {
			return
		}
		seen[id] = true
		sig, err := w.bus.Get(id)
		if err != nil {
			return
		}
		fn(Event{Kind: KindSignal, Signal: sig})
	}
}
