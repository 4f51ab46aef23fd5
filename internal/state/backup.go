package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flowstate-io/flowstate/internal/fault"
)

// backupTimeFormat is UTC and lexically sortable, so directory order is
// recency order.
const backupTimeFormat = "20060102T150405.000000000"

const backupPrefix = "state-"

// BackupInfo describes one rotated backup.
type BackupInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int64     `json:"size"`
}

// saveBackup copies superseded document bytes into the backup set.
// Timestamp+pid naming keeps concurrent creation collision-free; committed
// backups are immutable and readable without a lock.
func (s *Store) saveBackup(data []byte) error {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fault.FromOS("state.backup", err)
	}
	name := fmt.Sprintf("%s%s-%d.json", backupPrefix, s.now().Format(backupTimeFormat), os.Getpid())
	path := filepath.Join(s.backupDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fault.FromOS("state.backup", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fault.FromOS("state.backup", err)
	}
	if err := f.Close(); err != nil {
		return fault.FromOS("state.backup", err)
	}
	return nil
}

// Backups lists the backup set, newest first.
func (s *Store) Backups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.FromOS("state.backup", err)
	}
	var out []BackupInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{
			Path:      filepath.Join(s.backupDir, e.Name()),
			CreatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
	}
	// Names embed the creation timestamp, so lexical order is time order.
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

// pruneBackups removes backups beyond the retention count and sweeps
// abandoned temp files left by crashed writers.
func (s *Store) pruneBackups() error {
	backups, err := s.Backups()
	if err != nil {
		return fault.New("state.backup", fault.BackupRotationFailed, err)
	}
	var firstErr error
	for i := s.retention; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.sweepTempFiles()
	if firstErr != nil {
		return fault.New("state.backup", fault.BackupRotationFailed, firstErr)
	}
	return nil
}

// sweepTempFiles opportunistically collects temp files abandoned by
// writers that died before their rename. Anything older than an hour is
// certainly dead.
func (s *Store) sweepTempFiles() {
	dir := filepath.Dir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := s.now().Add(-1 * time.Hour)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "."+filepath.Base(s.path)+".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}

// Prune applies retention immediately. Exposed for the backup prune
// operation; normal writes prune as part of rotation.
func (s *Store) Prune() error {
	return s.pruneBackups()
}

// ReplaceCorruptLocked installs data as the canonical document after
// setting the unreadable current file aside for post-mortem. The corrupt
// bytes deliberately stay out of the backup set so they cannot crowd out
// valid backups under retention. Caller must hold the state lock.
func (s *Store) ReplaceCorruptLocked(data []byte) error {
	if err := validateBytes("state.recover", data); err != nil {
		return err
	}
	if prev, err := os.ReadFile(s.path); err == nil {
		aside := s.path + ".corrupt-" + s.now().Format(backupTimeFormat)
		_ = os.WriteFile(aside, prev, 0o644)
	}
	return atomicWrite(s.path, data)
}

// LatestValidBackup scans the backup set newest-first and returns the
// first backup whose content parses, migrates, and validates.
func (s *Store) LatestValidBackup() (string, *Document, error) {
	backups, err := s.Backups()
	if err != nil {
		return "", nil, err
	}
	for _, b := range backups {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			continue
		}
		doc, err := decodeDocument("state.recover", data)
		if err != nil {
			continue
		}
		return b.Path, doc, nil
	}
	return "", nil, fault.Newf("state.recover", fault.StateCorrupt, "no valid backup available")
}
