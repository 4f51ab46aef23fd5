package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowstate-io/flowstate/internal/fault"
	"github.com/flowstate-io/flowstate/internal/lock"
)

// ResourceState is the lock resource name guarding the canonical document.
const ResourceState = "state"

// DefaultBackupRetention is how many rotated backups are kept.
const DefaultBackupRetention = 5

// Store is the canonical document store. All mutation funnels through
// Write; Read never blocks and never returns a partially written document
// because the canonical path only ever changes via atomic rename.
type Store struct {
	path      string
	backupDir string
	locks     *lock.Manager
	retention int
	log       *slog.Logger

	// collapses concurrent in-process reads onto one disk parse
	reads singleflight.Group

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBackupRetention overrides the rotated-backup count.
func WithBackupRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore builds a store over the canonical document at path, with
// backups under backupDir and writes arbitrated by locks.
func NewStore(path, backupDir string, locks *lock.Manager, opts ...Option) *Store {
	s := &Store{
		path:      path,
		backupDir: backupDir,
		locks:     locks,
		retention: DefaultBackupRetention,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the canonical document path.
func (s *Store) Path() string { return s.path }

// Init creates the pipeline directories and the initial document. It is an
// error to initialize twice; the document is never deleted, only superseded.
func (s *Store) Init() (*Document, error) {
	for _, dir := range []string{filepath.Dir(s.path), s.backupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fault.FromOS("state.init", err)
		}
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil, fmt.Errorf("state.init: document already exists at %s", s.path)
	}
	doc := NewDocument(s.now())
	data, err := marshalDocument(doc)
	if err != nil {
		return nil, err
	}
	if err := atomicWrite(s.path, data); err != nil {
		return nil, err
	}
	return doc, nil
}

// Read returns the most recent fully committed, schema-valid document,
// migrated forward to the current version in memory. It never blocks on
// the state lock. Corruption is reported as StateCorrupt or
// StateSchemaInvalid for the recovery layer to resolve; Read itself never
// silently repairs the canonical file.
func (s *Store) Read() (*Document, error) {
	v, err, _ := s.reads.Do("read", func() (any, error) {
		return s.readOnce()
	})
	if err != nil {
		return nil, err
	}
	// Each caller gets its own copy; the singleflight result is shared.
	return v.(*Document).Clone(), nil
}

func (s *Store) readOnce() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("state.read: %w (run init first)", err)
		}
		return nil, fault.FromOS("state.read", err)
	}
	return decodeDocument("state.read", data)
}

// decodeDocument parses, migrates, and schema-validates raw document JSON.
func decodeDocument(op string, data []byte) (*Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.New(op, fault.StateCorrupt, err)
	}
	migrated, err := migrate(raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(migrated)
	if err != nil {
		return nil, fault.New(op, fault.MigrationFailed, err)
	}
	if err := validateBytes(op, out); err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fault.New(op, fault.StateCorrupt, err)
	}
	return &doc, nil
}

// Write applies mutate under the state lock using read-modify-write: the
// document is re-read fresh after lock acquisition so every writer builds
// on the latest committed value, never on a caller-held stale copy. The
// superseded document is rotated into the backup set before the rename
// makes the new version visible.
func (s *Store) Write(ctx context.Context, label string, mutate func(*Document) error) (*Document, error) {
	handle, err := s.locks.Acquire(ctx, ResourceState)
	if err != nil {
		return nil, err
	}
	defer s.locks.Release(handle)
	return s.writeLocked(label, mutate)
}

// writeLocked is the commit path shared with restore, which already holds
// the state lock.
func (s *Store) writeLocked(label string, mutate func(*Document) error) (*Document, error) {
	prev, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fault.FromOS("state.write", err)
	}

	var doc *Document
	if prev == nil {
		return nil, fmt.Errorf("state.write: no document at %s (run init first)", s.path)
	}
	doc, err = decodeDocument("state.write", prev)
	if err != nil {
		return nil, err
	}

	next := doc.Clone()
	if err := mutate(next); err != nil {
		return nil, fmt.Errorf("state.write %q: %w", label, err)
	}
	next.SchemaVersion = CurrentSchemaVersion
	next.LastActivation = label
	next.Metadata.UpdatedAt = s.now()

	data, err := marshalDocument(next)
	if err != nil {
		return nil, err
	}
	if err := validateBytes("state.write", data); err != nil {
		return nil, err
	}

	// Backup the document being superseded before the new one becomes
	// visible, then commit via atomic rename.
	if err := s.saveBackup(prev); err != nil {
		return nil, err
	}
	if err := atomicWrite(s.path, data); err != nil {
		return nil, err
	}

	if err := s.pruneBackups(); err != nil {
		// Degradable: the write committed; only pruning is impaired.
		s.log.Warn("backup rotation failed, continuing",
			"error", err, "label", label)
	}

	s.log.Info("state written", "label", label, "phase", next.Phase)
	return next, nil
}

// ReplaceLocked writes raw document bytes as the new canonical content.
// The caller must hold the state lock. Used by restore and recovery.
func (s *Store) ReplaceLocked(data []byte) error {
	if err := validateBytes("state.replace", data); err != nil {
		return err
	}
	prev, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.FromOS("state.replace", err)
	}
	if prev != nil {
		if err := s.saveBackup(prev); err != nil {
			return err
		}
	}
	if err := atomicWrite(s.path, data); err != nil {
		return err
	}
	if err := s.pruneBackups(); err != nil {
		s.log.Warn("backup rotation failed, continuing", "error", err)
	}
	return nil
}

// ReadRaw returns the canonical file bytes without validation.
func (s *Store) ReadRaw() ([]byte, error) {
	return os.ReadFile(s.path)
}

// Validate checks the canonical file as stored, without migrating,
// and reports the document's schema version.
func (s *Store) Validate() (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fault.FromOS("state.validate", err)
	}
	var raw struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fault.New("state.validate", fault.StateCorrupt, err)
	}
	if _, err := decodeDocument("state.validate", data); err != nil {
		return raw.SchemaVersion, err
	}
	return raw.SchemaVersion, nil
}

// Migrate persists the migrated form of the document. Reads already
// migrate in memory; this pins the upgrade to disk.
func (s *Store) Migrate(ctx context.Context) (*Document, error) {
	return s.Write(ctx, "schema-migrate", func(*Document) error { return nil })
}

// Locks exposes the lock manager for components that coordinate with the
// store's resource ordering.
func (s *Store) Locks() *lock.Manager { return s.locks }

func marshalDocument(d *Document) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("state: marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

// atomicWrite writes data to a temp file in path's directory, flushes it
// durably, and renames it over path. The rename is the only step that
// changes what a reader can observe.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fault.FromOS("state.commit", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Inert leftover on failure; collected opportunistically later.
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fault.FromOS("state.commit", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fault.FromOS("state.commit", err)
	}
	if err := tmp.Close(); err != nil {
		return fault.FromOS("state.commit", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fault.FromOS("state.commit", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
