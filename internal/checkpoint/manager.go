// Package checkpoint provides named point-in-time snapshots of the
// workflow state (plus registered auxiliary files), restore with rollback,
// corruption recovery, and the retry/degrade policy that classifies
// failures against the error taxonomy.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
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

// ResourceCheckpoints serializes checkpoint and restore operations.
// Lexically it precedes "state", which fixes the multi-lock order.
const ResourceCheckpoints = "checkpoints"

// DefaultRetention is the keep-last-N applied by Prune when unset.
const DefaultRetention = 10

// Manifest describes one immutable checkpoint.
type Manifest struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"createdAt"`
	AuxFiles  []string  `json:"auxFiles,omitempty"`
}

// Manager owns the checkpoint store under dir.
type Manager struct {
	dir   string
	store *state.Store
	log   *slog.Logger

	// aux are absolute paths snapshotted alongside the document.
	aux []string

	now func() time.Time
}

// NewManager builds a Manager storing checkpoints under dir.
func NewManager(dir string, store *state.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		dir:   dir,
		store: store,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Track registers an auxiliary file to be snapshotted with every future
// checkpoint. Missing files are skipped at snapshot time.
func (m *Manager) Track(paths ...string) {
	m.aux = append(m.aux, paths...)
}

// Checkpoint snapshots the current document and tracked files under a new
// immutable id. Reads go through the lock-free store read; only sibling
// checkpoint/restore operations are serialized, via the checkpoints lock.
func (m *Manager) Checkpoint(ctx context.Context, label, phaseTag string) (string, error) {
	if err := validLabel(label); err != nil {
		return "", err
	}
	handle, err := m.store.Locks().Acquire(ctx, ResourceCheckpoints)
	if err != nil {
		return "", err
	}
	defer m.store.Locks().Release(handle)

	doc, err := m.store.Read()
	if err != nil {
		return "", err
	}
	if phaseTag == "" {
		phaseTag = doc.Phase
	}

	id := fmt.Sprintf("%s-%s", label, ulid.Make().String())
	dir := filepath.Join(m.dir, id)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		return "", fault.FromOS("checkpoint.create", err)
	}

	snapshot, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint.create: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "state.json"), append(snapshot, '\n')); err != nil {
		return "", err
	}

	manifest := Manifest{
		ID:        id,
		Label:     label,
		Phase:     phaseTag,
		CreatedAt: m.now(),
	}
	for _, src := range m.aux {
		if err := copyFile(src, filepath.Join(dir, "files", filepath.Base(src))); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fault.FromOS("checkpoint.create", err)
		}
		manifest.AuxFiles = append(manifest.AuxFiles, filepath.Base(src))
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("checkpoint.create: %w", err)
	}
	// The manifest lands last: a directory without one is an aborted
	// checkpoint and is ignored by List and Restore.
	if err := writeFileAtomic(filepath.Join(dir, "manifest.json"), append(data, '\n')); err != nil {
		return "", err
	}

	m.log.Info("checkpoint created", "id", id, "phase", phaseTag)
	return id, nil
}

// Restore replaces the canonical document with the checkpoint's snapshot,
// holding the checkpoints and state locks in fixed lexical order. Auxiliary
// files are replayed after the document; a replay failure rolls the
// document back to its pre-restore content and surfaces RestoreConflict.
// That kind carries a single-retry budget, enforced by WithRetry.
func (m *Manager) Restore(ctx context.Context, id string) (*state.Document, error) {
	handles, err := m.store.Locks().AcquireMany(ctx, ResourceCheckpoints, state.ResourceState)
	if err != nil {
		return nil, err
	}
	defer m.store.Locks().ReleaseMany(handles)

	return m.restoreLocked(id)
}

func (m *Manager) restoreLocked(id string) (*state.Document, error) {
	manifest, err := m.manifest(id)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(m.dir, id)

	snapshot, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		return nil, fault.Newf("checkpoint.restore", fault.CheckpointMissing,
			"checkpoint %q has no state snapshot: %v", id, err)
	}

	// Keep the pre-restore document for rollback.
	preRestore, err := m.store.ReadRaw()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fault.FromOS("checkpoint.restore", err)
	}

	if err := m.store.ReplaceLocked(snapshot); err != nil {
		return nil, err
	}

	if err := m.replayAux(manifest, dir); err != nil {
		if preRestore != nil {
			if rbErr := m.store.ReplaceLocked(preRestore); rbErr != nil {
				return nil, fmt.Errorf("checkpoint.restore: rollback failed: %v (replay error: %w)", rbErr, err)
			}
		}
		return nil, fault.New("checkpoint.restore", fault.RestoreConflict, err)
	}

	doc, err := m.store.Read()
	if err != nil {
		return nil, err
	}
	m.log.Info("checkpoint restored", "id", id, "phase", doc.Phase)
	return doc, nil
}

func (m *Manager) replayAux(manifest *Manifest, dir string) error {
	for _, name := range manifest.AuxFiles {
		dst := m.auxDestination(name)
		if dst == "" {
			return fmt.Errorf("auxiliary file %q is not tracked", name)
		}
		if err := copyFile(filepath.Join(dir, "files", name), dst); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) auxDestination(base string) string {
	for _, p := range m.aux {
		if filepath.Base(p) == base {
			return p
		}
	}
	return ""
}

// Recover is the fallback path for a corrupt or schema-invalid canonical
// document: it installs the most recent valid backup. This manager is the
// sole authority for that decision; the store itself never repairs.
func (m *Manager) Recover(ctx context.Context) (*state.Document, error) {
	handle, err := m.store.Locks().Acquire(ctx, state.ResourceState)
	if err != nil {
		return nil, err
	}
	defer m.store.Locks().Release(handle)

	// The document may have been repaired while we waited on the lock.
	if doc, err := m.store.Read(); err == nil {
		return doc, nil
	}

	path, doc, err := m.store.LatestValidBackup()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.FromOS("state.recover", err)
	}
	if err := m.store.ReplaceCorruptLocked(data); err != nil {
		return nil, err
	}
	m.log.Warn("state recovered from backup", "backup", path, "phase", doc.Phase)
	return doc, nil
}

// ReadOrRecover reads the canonical document, escalating to Recover when
// the file is corrupt or schema-invalid so readers see the newest valid
// backup instead of a fatal error. Other read failures pass through.
func (m *Manager) ReadOrRecover(ctx context.Context) (*state.Document, error) {
	doc, err := m.store.Read()
	if err == nil {
		return doc, nil
	}
	if !fault.IsKind(err, fault.StateCorrupt) && !fault.IsKind(err, fault.StateSchemaInvalid) {
		return nil, err
	}
	m.log.Warn("canonical document unreadable, falling back to backup", "cause", err)
	return m.Recover(ctx)
}

// List returns manifests of all committed checkpoints, newest first.
func (m *Manager) List() ([]Manifest, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.FromOS("checkpoint.list", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifest, err := m.manifest(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Find resolves a checkpoint by exact id or, when unambiguous, by label.
func (m *Manager) Find(ref string) (*Manifest, error) {
	if manifest, err := m.manifest(ref); err == nil {
		return manifest, nil
	}
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	var match *Manifest
	for i := range all {
		if all[i].Label == ref {
			if match != nil {
				return nil, fmt.Errorf("checkpoint label %q is ambiguous, use the full id", ref)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fault.Newf("checkpoint.find", fault.CheckpointMissing, "no checkpoint %q", ref)
	}
	return match, nil
}

// Prune removes checkpoints beyond keep, oldest first. Retention is only
// ever applied explicitly; checkpoints are never overwritten implicitly.
func (m *Manager) Prune(keep int) (removed []string, err error) {
	if keep <= 0 {
		keep = DefaultRetention
	}
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	for i := keep; i < len(all); i++ {
		if err := os.RemoveAll(filepath.Join(m.dir, all[i].ID)); err != nil {
			return removed, fault.FromOS("checkpoint.prune", err)
		}
		removed = append(removed, all[i].ID)
	}
	return removed, nil
}

// Dir returns the checkpoint root directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) manifest(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id, "manifest.json"))
	if err != nil {
		return nil, fault.Newf("checkpoint.find", fault.CheckpointMissing, "no checkpoint %q", id)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fault.Newf("checkpoint.find", fault.CheckpointMissing,
			"checkpoint %q manifest unreadable: %v", id, err)
	}
	return &manifest, nil
}

func validLabel(label string) error {
	if label == "" {
		return errors.New("checkpoint: empty label")
	}
	if strings.ContainsAny(label, "/\\") || strings.Contains(label, "..") {
		return fmt.Errorf("checkpoint: label %q must not contain path separators", label)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.FromOS("checkpoint.write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fault.FromOS("checkpoint.write", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
