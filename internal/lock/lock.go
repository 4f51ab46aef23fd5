// Package lock provides process-safe exclusive and shared locks over named
// resources, built on the filesystem's atomic create-if-absent primitive.
// No OS mutex or daemon is involved: a lock is a JSON record file whose
// holder is identified by pid, and an orphaned record is reclaimed once its
// TTL elapses and the holder process is gone.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flowstate-io/flowstate/internal/fault"
)

// Record is the on-disk lock metadata.
type Record struct {
	Resource   string        `json:"resource"`
	PID        int           `json:"pid"`
	Hostname   string        `json:"hostname"`
	StartedAt  time.Time     `json:"started_at"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl_ns"`
	Shared     bool          `json:"shared,omitempty"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.AcquiredAt.Add(r.TTL))
}

// Config tunes lock acquisition behavior.
type Config struct {
	// TTL bounds how long a crashed holder can block a resource.
	TTL time.Duration
	// BaseDelay is the first backoff interval on contention.
	BaseDelay time.Duration
	// MaxDelay caps the backoff interval.
	MaxDelay time.Duration
	// Multiplier grows the backoff interval each attempt.
	Multiplier float64
	// OnReclaim, when set, is invoked with the resource name each time
	// a stale record is removed.
	OnReclaim func(resource string)
}

// DefaultConfig returns the acquisition defaults.
func DefaultConfig() Config {
	return Config{
		TTL:        2 * time.Minute,
		BaseDelay:  25 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}
}

// processStart approximates this process's start time for the holder
// identity recorded in lock files.
var processStart = time.Now().UTC()

// Manager arbitrates locks under a single lock directory.
type Manager struct {
	dir string
	cfg Config

	// overridable in tests
	now   func() time.Time
	alive func(pid int) bool
}

// NewManager creates a Manager rooted at dir, creating it if needed.
func NewManager(dir string, cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.FromOS("lock.init", err)
	}
	return &Manager{dir: dir, cfg: cfg, now: func() time.Time { return time.Now().UTC() }, alive: processAlive}, nil
}

// Handle represents a held lock. Release is idempotent.
type Handle struct {
	resource string
	path     string
	shared   bool
	mgr      *Manager
	released bool
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.resource }

func (m *Manager) recordPath(resource string) string {
	return filepath.Join(m.dir, resource+".lock")
}

func (m *Manager) sharedDir(resource string) string {
	return filepath.Join(m.dir, resource+".shared")
}

// Acquire takes the exclusive lock for resource, blocking with exponential
// backoff plus jitter until ctx expires. A record whose TTL elapsed and
// whose holder is no longer running is reclaimed in place.
func (m *Manager) Acquire(ctx context.Context, resource string) (*Handle, error) {
	if err := validResource(resource); err != nil {
		return nil, err
	}
	delay := m.cfg.BaseDelay
	for {
		h, err := m.tryAcquire(resource)
		if err == nil && h != nil {
			// A writer must also wait out any live shared holders.
			if err := m.waitSharedDrained(ctx, resource); err != nil {
				m.Release(h)
				return nil, err
			}
			return h, nil
		}
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fault.Newf("lock.acquire", fault.LockTimeout,
				"resource %q: %v", resource, ctx.Err())
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * m.cfg.Multiplier)
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}

// tryAcquire makes a single attempt. Returns (nil, nil) on contention with
// a live holder.
func (m *Manager) tryAcquire(resource string) (*Handle, error) {
	path := m.recordPath(resource)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		rec := Record{
			Resource:   resource,
			PID:        os.Getpid(),
			Hostname:   hostname(),
			StartedAt:  processStart,
			AcquiredAt: m.now(),
			TTL:        m.cfg.TTL,
		}
		enc, marshalErr := json.Marshal(rec)
		if marshalErr == nil {
			_, err = f.Write(append(enc, '\n'))
		} else {
			err = marshalErr
		}
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
			return nil, fault.FromOS("lock.acquire", err)
		}
		return &Handle{resource: resource, path: path, mgr: m}, nil
	}
	if !errors.Is(err, os.ErrExist) {
		if mapped := fault.FromOS("lock.acquire", err); mapped != err {
			return nil, mapped
		}
		// Transient create failure: fall through to the backoff loop.
		return nil, nil
	}

	if m.reapIfStale(path) {
		// Reclaimed; the next loop iteration races for the fresh create.
		return nil, nil
	}
	return nil, nil
}

// reapIfStale deletes the record at path when its TTL elapsed and its
// holder is dead. Reclamation is the sole recovery path for orphans.
func (m *Manager) reapIfStale(path string) bool {
	rec, err := readRecord(path)
	if err != nil {
		// Unreadable records are only removed once old enough that any
		// half-written create has certainly finished or died.
		if info, statErr := os.Stat(path); statErr == nil &&
			m.now().Sub(info.ModTime()) > m.cfg.TTL {
			if os.Remove(path) == nil {
				m.reclaimed(strings.TrimSuffix(filepath.Base(path), ".lock"))
				return true
			}
		}
		return false
	}
	if rec.Expired(m.now()) && !m.alive(rec.PID) {
		if os.Remove(path) == nil {
			m.reclaimed(rec.Resource)
			return true
		}
	}
	return false
}

// reclaimed reports one stale-record removal to the configured hook.
func (m *Manager) reclaimed(resource string) {
	if m.cfg.OnReclaim != nil {
		m.cfg.OnReclaim(resource)
	}
}

// AcquireShared registers a reader for resource. Shared holders block a
// writer but not each other; each holder owns its own record file so
// concurrent registration never collides.
func (m *Manager) AcquireShared(ctx context.Context, resource string) (*Handle, error) {
	if err := validResource(resource); err != nil {
		return nil, err
	}
	dir := m.sharedDir(resource)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.FromOS("lock.acquire_shared", err)
	}
	delay := m.cfg.BaseDelay
	for {
		// A live exclusive holder excludes new readers.
		if !m.exclusiveActive(resource) {
			path := filepath.Join(dir, fmt.Sprintf("%d-%d.lock", os.Getpid(), rand.Int63()))
			rec := Record{
				Resource:   resource,
				PID:        os.Getpid(),
				Hostname:   hostname(),
				StartedAt:  processStart,
				AcquiredAt: m.now(),
				TTL:        m.cfg.TTL,
				Shared:     true,
			}
			enc, err := json.Marshal(rec)
			if err == nil {
				err = os.WriteFile(path, append(enc, '\n'), 0o644)
			}
			if err != nil {
				return nil, fault.FromOS("lock.acquire_shared", err)
			}
			return &Handle{resource: resource, path: path, shared: true, mgr: m}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fault.Newf("lock.acquire_shared", fault.LockTimeout,
				"resource %q: %v", resource, ctx.Err())
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * m.cfg.Multiplier)
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}

// waitSharedDrained blocks until no live shared holder remains, reaping
// stale ones along the way.
func (m *Manager) waitSharedDrained(ctx context.Context, resource string) error {
	delay := m.cfg.BaseDelay
	for {
		if m.liveSharedHolders(resource) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fault.Newf("lock.acquire", fault.LockTimeout,
				"resource %q: shared holders active: %v", resource, ctx.Err())
		case <-time.After(jitter(delay)):
		}
		delay = time.Duration(float64(delay) * m.cfg.Multiplier)
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}

func (m *Manager) liveSharedHolders(resource string) int {
	entries, err := os.ReadDir(m.sharedDir(resource))
	if err != nil {
		return 0
	}
	live := 0
	for _, e := range entries {
		path := filepath.Join(m.sharedDir(resource), e.Name())
		rec, err := readRecord(path)
		if err != nil {
			continue
		}
		if rec.Expired(m.now()) && !m.alive(rec.PID) {
			if os.Remove(path) == nil {
				m.reclaimed(rec.Resource)
			}
			continue
		}
		live++
	}
	return live
}

// exclusiveActive reports whether a live exclusive record exists,
// reaping it when stale.
func (m *Manager) exclusiveActive(resource string) bool {
	path := m.recordPath(resource)
	rec, err := readRecord(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		return true
	}
	if rec.Expired(m.now()) && !m.alive(rec.PID) {
		if os.Remove(path) == nil {
			m.reclaimed(rec.Resource)
		}
		return false
	}
	return true
}

// AcquireMany takes exclusive locks on every resource in a single globally
// fixed order (lexical) to prevent deadlock between multi-lock operations.
// On failure every lock already taken is released, in reverse order.
func (m *Manager) AcquireMany(ctx context.Context, resources ...string) ([]*Handle, error) {
	sorted := append([]string(nil), resources...)
	sort.Strings(sorted)
	handles := make([]*Handle, 0, len(sorted))
	for _, r := range sorted {
		h, err := m.Acquire(ctx, r)
		if err != nil {
			for i := len(handles) - 1; i >= 0; i-- {
				m.Release(handles[i])
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Release drops a held lock. Releasing twice is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	h.released = true
	_ = os.Remove(h.path)
}

// ReleaseMany releases handles in reverse acquisition order.
func (m *Manager) ReleaseMany(handles []*Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		m.Release(handles[i])
	}
}

// IsHeld reports whether resource currently has a live exclusive holder.
func (m *Manager) IsHeld(resource string) bool {
	rec, err := readRecord(m.recordPath(resource))
	if err != nil {
		return false
	}
	return !(rec.Expired(m.now()) && !m.alive(rec.PID))
}

// Inspect returns the current record for resource, or nil when unheld.
func (m *Manager) Inspect(resource string) (*Record, error) {
	rec, err := readRecord(m.recordPath(resource))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Held lists every existing record, live or stale, exclusive and shared.
func (m *Manager) Held() ([]*Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fault.FromOS("lock.held", err)
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() {
			if !strings.HasSuffix(e.Name(), ".shared") {
				continue
			}
			holders, err := os.ReadDir(filepath.Join(m.dir, e.Name()))
			if err != nil {
				continue
			}
			for _, h := range holders {
				rec, err := readRecord(filepath.Join(m.dir, e.Name(), h.Name()))
				if err != nil {
					continue
				}
				out = append(out, rec)
			}
			continue
		}
		if !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		rec, err := readRecord(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ForceRelease removes the record for resource regardless of holder.
// Used by the CLI release operation for a resource this process never
// acquired through a Handle.
func (m *Manager) ForceRelease(resource string) error {
	err := os.Remove(m.recordPath(resource))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.FromOS("lock.release", err)
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func validResource(resource string) error {
	if resource == "" {
		return errors.New("lock: empty resource name")
	}
	if strings.ContainsAny(resource, "/\\") || strings.Contains(resource, "..") {
		return fmt.Errorf("lock: resource %q must not contain path separators", resource)
	}
	return nil
}

// jitter perturbs d by up to ±25% so contending processes desynchronize.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	span := int64(d) / 2
	return d - time.Duration(span/2) + time.Duration(rand.Int63n(span+1))
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
