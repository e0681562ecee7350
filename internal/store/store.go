// Package store is the single source of truth for the shared task/agent
// document. Writes are atomic (temp file + rename), reads self-heal the
// documented double-encoding corruption exactly once, and every
// load-mutate-save cycle runs under a bounded advisory file lock so that
// exactly one writer is in flight at a time. Readers may be stale but never
// observe a torn document.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// DefaultLockTimeout bounds lock acquisition so a wedged writer fails
	// callers with LockTimeoutError instead of hanging them.
	DefaultLockTimeout = 5 * time.Second

	lockPollInterval = 25 * time.Millisecond
)

// Store owns one document file and its adjacent lock file.
type Store struct {
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the lock acquisition bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open prepares a store for the document at path. The file itself is created
// lazily on first save; the parent directory is created here.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("document path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StoreError{Op: "create directory for", Path: path, Err: err}
	}
	s := &Store{
		path:        path,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the document file path.
func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string { return s.path + ".lock" }

// Load reads and validates the document. A missing file yields an empty
// document. If parsing yields a JSON string instead of an object the content
// was serialized twice; Load decodes once more and persists the repaired
// form immediately. Content that cannot be resolved to a valid object after
// that single repair pass fails with CorruptionError and the file is left
// untouched.
func (s *Store) Load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, &StoreError{Op: "read", Path: s.path, Err: err}
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &CorruptionError{Path: s.path, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	if inner, ok := probe.(string); ok {
		// Double-encoded document: a JSON string whose content is the real
		// payload. Decode once more; a second level of string nesting is a
		// deeper bug and is never repaired.
		var repaired any
		if err := json.Unmarshal([]byte(inner), &repaired); err != nil {
			return nil, &CorruptionError{Path: s.path, Reason: fmt.Sprintf("double-encoded content is not JSON: %v", err)}
		}
		if _, isObj := repaired.(map[string]any); !isObj {
			return nil, &CorruptionError{Path: s.path, Reason: "double-encoded content is not an object"}
		}
		raw = []byte(inner)
		doc, err := s.decode(raw)
		if err != nil {
			return nil, err
		}
		if err := s.Save(doc); err != nil {
			return nil, fmt.Errorf("persist repaired document: %w", err)
		}
		s.logger.Warn("repaired double-encoded document", "path", s.path)
		return doc, nil
	}

	if _, isObj := probe.(map[string]any); !isObj {
		return nil, &CorruptionError{Path: s.path, Reason: "content is not a JSON object"}
	}
	return s.decode(raw)
}

func (s *Store) decode(raw []byte) (*Document, error) {
	if err := validateDocumentJSON(raw); err != nil {
		return nil, &CorruptionError{Path: s.path, Reason: err.Error()}
	}
	doc := NewDocument()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, &CorruptionError{Path: s.path, Reason: fmt.Sprintf("decode document: %v", err)}
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]Agent)
	}
	return doc, nil
}

// Save validates and atomically replaces the document. The payload is
// serialized, schema-checked (rejecting anything that is not a plain
// object), written to a temp file in the same directory, fsynced, then
// renamed over the target. A failure at any point leaves the original file
// intact and surfaces as a retryable WriteError.
func (s *Store) Save(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("refusing to save nil document")
	}
	if doc.Tasks == nil {
		doc.Tasks = []Task{}
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]Agent)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	if err := validateDocumentJSON(raw); err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	return s.writeAtomic(raw)
}

func (s *Store) writeAtomic(raw []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		// Best-effort cleanup when the rename never happened.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: s.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	return nil
}

// Backup copies the current document to <path>.backup.<epoch-ms> and returns
// the backup path. Called before destructive registry operations. A missing
// source file is not an error; no backup is written and "" is returned.
func (s *Store) Backup(now time.Time) (string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", &StoreError{Op: "read for backup", Path: s.path, Err: err}
	}
	backupPath := s.path + ".backup." + strconv.FormatInt(now.UnixMilli(), 10)
	if err := os.WriteFile(backupPath, raw, 0o644); err != nil {
		return "", &WriteError{Path: backupPath, Err: err}
	}
	return backupPath, nil
}

// WithLock runs fn while holding an exclusive advisory lock on the
// document's lock file. Acquisition is bounded by the configured timeout;
// expiry fails with LockTimeoutError rather than hanging. This is the
// critical-section discipline every load-mutate-save caller must use.
func (s *Store) WithLock(ctx context.Context, fn func(context.Context) error) error {
	deadline := time.Now().Add(s.lockTimeout)
	var lock *fileLock
	for {
		var err error
		lock, err = tryLock(s.lockPath())
		if err == nil {
			break
		}
		if err != errLockHeld {
			return &StoreError{Op: "acquire lock", Path: s.lockPath(), Err: err}
		}
		if time.Now().After(deadline) {
			return &LockTimeoutError{Path: s.lockPath(), Timeout: s.lockTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer lock.release()
	return fn(ctx)
}

// Update is the standard locked load-mutate-save cycle. fn mutates the
// loaded document in place; returning an error aborts without saving.
func (s *Store) Update(ctx context.Context, fn func(doc *Document) error) error {
	return s.WithLock(ctx, func(context.Context) error {
		doc, err := s.Load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return s.Save(doc)
	})
}
