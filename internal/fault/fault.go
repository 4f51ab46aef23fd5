// Package fault defines the error taxonomy shared by all coordination
// components. Every operation surfaces either a result or a *fault.Error
// carrying a Kind that callers can match on instead of parsing text.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category in the taxonomy.
type Kind string

const (
	// LockTimeout means a lock could not be acquired before the deadline.
	LockTimeout Kind = "lock_timeout"
	// LockStale marks a reclaimed orphan lock. Resolved internally,
	// never surfaced to callers.
	LockStale Kind = "lock_stale"
	// StateCorrupt means the canonical document failed to parse.
	StateCorrupt Kind = "state_corrupt"
	// StateSchemaInvalid means the document parsed but violates the schema.
	StateSchemaInvalid Kind = "state_schema_invalid"
	// MigrationFailed means the document cannot be upgraded to the
	// current schema version.
	MigrationFailed Kind = "migration_failed"
	// CheckpointMissing means the requested checkpoint id does not exist.
	CheckpointMissing Kind = "checkpoint_missing"
	// RestoreConflict means a restore raced with another writer.
	RestoreConflict Kind = "restore_conflict"
	// DiskFull is surfaced immediately and never retried.
	DiskFull Kind = "disk_full"
	// PermissionDenied is surfaced immediately and never retried.
	PermissionDenied Kind = "permission_denied"
	// BackupRotationFailed means pruning old backups failed. The write
	// that triggered rotation still succeeded.
	BackupRotationFailed Kind = "backup_rotation_failed"
)

// Class is the propagation policy attached to a Kind.
type Class int

const (
	// Fatal errors abort the calling operation immediately.
	Fatal Class = iota
	// Retryable errors may be retried with a fresh timeout or budget.
	Retryable
	// Degradable errors flip a feature flag and let the pipeline
	// continue with reduced functionality.
	Degradable
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Degradable:
		return "degradable"
	default:
		return "fatal"
	}
}

var classes = map[Kind]Class{
	LockTimeout:          Retryable,
	LockStale:            Retryable,
	StateCorrupt:         Fatal,
	StateSchemaInvalid:   Fatal,
	MigrationFailed:      Fatal,
	CheckpointMissing:    Fatal,
	RestoreConflict:      Retryable,
	DiskFull:             Fatal,
	PermissionDenied:     Fatal,
	BackupRotationFailed: Degradable,
}

// ClassOf returns the propagation class for a kind. Unknown kinds are Fatal.
func ClassOf(k Kind) Class {
	if c, ok := classes[k]; ok {
		return c
	}
	return Fatal
}

// Error is a structured error carrying a taxonomy kind, the operation that
// produced it, and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an *Error from an operation name, a kind, and a cause.
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error with a formatted cause message.
func Newf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so sentinel comparisons
// like errors.Is(err, &Error{Kind: LockTimeout}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the taxonomy kind from an error chain. The empty Kind is
// returned when no *Error is present.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether err may be retried by the caller.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k != "" && ClassOf(k) == Retryable
}

// IsDegradable reports whether err should degrade a feature instead of
// aborting the pipeline.
func IsDegradable(err error) bool {
	k := KindOf(err)
	return k != "" && ClassOf(k) == Degradable
}
