package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "todo.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Tasks) != 0 {
		t.Errorf("expected no tasks, got %d", len(doc.Tasks))
	}
	if doc.Agents == nil {
		t.Error("agents map not initialized")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	doc := NewDocument()
	task := NewTask("write release notes", "docs", "high", []string{"CHANGELOG.md"}, now)
	doc.Tasks = append(doc.Tasks, task)
	doc.Agents["agent-1"] = Agent{ID: "agent-1", Role: "writer", CreatedAt: now, LastActivity: now}
	doc.ExecutionCount = 3

	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].ID != task.ID {
		t.Fatalf("task not round-tripped: %+v", got.Tasks)
	}
	if got.Tasks[0].Status != TaskStatusPending {
		t.Errorf("status = %q, want pending", got.Tasks[0].Status)
	}
	if got.ExecutionCount != 3 {
		t.Errorf("execution count = %d, want 3", got.ExecutionCount)
	}
	if _, ok := got.Agents["agent-1"]; !ok {
		t.Error("agent-1 missing after round trip")
	}
}

func TestLoadRepairsDoubleEncodedDocument(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	doc := NewDocument()
	doc.Tasks = append(doc.Tasks, NewTask("fix flaky test", "", "low", nil, now))
	inner, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Serialize the serialized form once more, reproducing the corruption.
	outer, err := json.Marshal(string(inner))
	if err != nil {
		t.Fatalf("double marshal: %v", err)
	}
	if err := os.WriteFile(s.Path(), outer, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load should repair double encoding: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Title != "fix flaky test" {
		t.Fatalf("repaired document wrong: %+v", got.Tasks)
	}

	// The repaired form must be persisted: a second load needs no repair.
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if _, isObj := probe.(map[string]any); !isObj {
		t.Errorf("file still not a plain object after repair: %T", probe)
	}
}

func TestLoadNeverRepairsTwice(t *testing.T) {
	s := newTestStore(t)
	// Triple-encoded: the inner value is still a string after one decode.
	inner, _ := json.Marshal(`{"tasks":[],"agents":{}}`)
	outer, _ := json.Marshal(string(inner))
	if err := os.WriteFile(s.Path(), outer, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := s.Load()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
}

func TestLoadCorruptFileLeftUntouched(t *testing.T) {
	s := newTestStore(t)
	garbage := []byte(`{"tasks": [unterminated`)
	if err := os.WriteFile(s.Path(), garbage, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := s.Load()
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptionError, got %v", err)
	}
	if !strings.Contains(corrupt.Error(), s.Path()) {
		t.Errorf("error should name the path: %v", corrupt)
	}

	raw, readErr := os.ReadFile(s.Path())
	if readErr != nil {
		t.Fatalf("read back: %v", readErr)
	}
	if string(raw) != string(garbage) {
		t.Error("corrupt file was modified; it must be preserved for inspection")
	}
}

func TestLoadRejectsNonObjectDocument(t *testing.T) {
	for _, content := range []string{`[1,2,3]`, `42`, `true`, `null`} {
		s := newTestStore(t)
		if err := os.WriteFile(s.Path(), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, err := s.Load()
		var corrupt *CorruptionError
		if !errors.As(err, &corrupt) {
			t.Errorf("content %s: expected CorruptionError, got %v", content, err)
		}
	}
}

func TestSaveRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	doc := NewDocument()
	task := NewTask("t", "", "", nil, time.Now())
	task.Status = TaskStatus("paused")
	doc.Tasks = append(doc.Tasks, task)

	err := s.Save(doc)
	var write *WriteError
	if !errors.As(err, &write) {
		t.Fatalf("expected WriteError for schema violation, got %v", err)
	}
	if _, statErr := os.Stat(s.Path()); !os.IsNotExist(statErr) {
		t.Error("failed save must not create the document")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	doc := NewDocument()
	doc.Tasks = append(doc.Tasks, NewTask("first", "", "", nil, time.Now()))
	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// No temp files may survive a successful save.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestInterruptedWriteLeavesOriginalValid(t *testing.T) {
	s := newTestStore(t)
	doc := NewDocument()
	doc.Tasks = append(doc.Tasks, NewTask("survivor", "", "", nil, time.Now()))
	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a writer killed after writing the temp file but before the
	// rename: the stray temp file must never affect readers.
	stray := filepath.Join(filepath.Dir(s.Path()), filepath.Base(s.Path())+".tmp-dead")
	if err := os.WriteFile(stray, []byte(`{"tasks": [half a docu`), 0o644); err != nil {
		t.Fatalf("write stray temp: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load after interrupted write: %v", err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Title != "survivor" {
		t.Fatalf("original document damaged: %+v", got.Tasks)
	}
}

func TestBackupNaming(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(NewDocument()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	now := time.UnixMilli(1700000000123)
	path, err := s.Backup(now)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	want := s.Path() + ".backup.1700000000123"
	if path != want {
		t.Errorf("backup path = %q, want %q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestBackupMissingSourceIsNoop(t *testing.T) {
	s := newTestStore(t)
	path, err := s.Backup(time.Now())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty backup path, got %q", path)
	}
}

func TestWithLockTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "todo.json")
	holder, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waiter, err := Open(path, WithLockTimeout(150*time.Millisecond))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = holder.WithLock(context.Background(), func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	err = waiter.WithLock(context.Background(), func(context.Context) error {
		t.Error("lock acquired while held elsewhere")
		return nil
	})
	var timeout *LockTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected LockTimeoutError, got %v", err)
	}
	if timeout.Timeout != 150*time.Millisecond {
		t.Errorf("timeout = %v, want 150ms", timeout.Timeout)
	}
}

func TestWithLockRespectsContextCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "todo.json")
	holder, _ := Open(path)
	waiter, _ := Open(path, WithLockTimeout(10*time.Second))

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = holder.WithLock(context.Background(), func(context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := waiter.WithLock(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestUpdateAbortsWithoutSavingOnError(t *testing.T) {
	s := newTestStore(t)
	doc := NewDocument()
	doc.Tasks = append(doc.Tasks, NewTask("keep me", "", "", nil, time.Now()))
	if err := s.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sentinel := errors.New("mutation rejected")
	err := s.Update(context.Background(), func(doc *Document) error {
		doc.Tasks = nil
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Tasks) != 1 {
		t.Error("aborted update must not change the document")
	}
}
