package store

import (
	"fmt"
	"time"
)

// CorruptionError means the document could not be parsed or normalized to a
// plain object after one repair pass. It is never auto-repaired a second
// time; the file on disk is left untouched.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("document %s is corrupt: %s", e.Path, e.Reason)
}

// WriteError means the temp-file write or atomic rename failed. The original
// file is intact and the operation is retryable by the caller.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write document %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// LockTimeoutError means another writer held the critical section past the
// configured acquisition bound. Retryable.
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %s not acquired within %s", e.Path, e.Timeout)
}

// StoreError is a generic filesystem failure reading or statting the
// document. Fatal for the current operation, not retried automatically.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
