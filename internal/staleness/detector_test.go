package staleness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/store"
)

func newFixture(t *testing.T) (*store.Store, time.Time) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "todo.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
}

func seedTask(t *testing.T, s *store.Store, title string, status store.TaskStatus, agent, category string, lastActivity time.Time) string {
	t.Helper()
	var id string
	err := s.Update(context.Background(), func(doc *store.Document) error {
		task := store.NewTask(title, category, "", nil, lastActivity)
		task.Status = status
		task.AssignedAgent = agent
		task.LastActivity = lastActivity
		doc.Tasks = append(doc.Tasks, task)
		id = task.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return id
}

func TestSweepBoundaryIsStrict(t *testing.T) {
	s, now := newFixture(t)
	threshold := 30 * time.Minute

	// Exactly at the threshold: not stale. One second past: stale.
	atBoundary := seedTask(t, s, "boundary", store.TaskStatusInProgress, "agent-1", "", now.Add(-threshold))
	pastBoundary := seedTask(t, s, "past", store.TaskStatusInProgress, "agent-2", "", now.Add(-threshold-time.Second))

	d := New(s, WithClock(func() time.Time { return now }))
	res, err := d.Sweep(context.Background(), threshold)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.RevertedIDs) != 1 || res.RevertedIDs[0] != pastBoundary {
		t.Fatalf("reverted = %v, want exactly [%s]", res.RevertedIDs, pastBoundary)
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := doc.FindTask(atBoundary); got.Status != store.TaskStatusInProgress {
		t.Errorf("boundary task status = %q, want in_progress", got.Status)
	}
	reverted := doc.FindTask(pastBoundary)
	if reverted.Status != store.TaskStatusPending {
		t.Errorf("stale task status = %q, want pending", reverted.Status)
	}
	if reverted.AssignedAgent != "" {
		t.Errorf("stale task still assigned to %q", reverted.AssignedAgent)
	}
	last := reverted.AccessHistory[len(reverted.AccessHistory)-1]
	if last.Action != store.AccessActionReverted || last.AgentID != "agent-2" {
		t.Errorf("revert record = %+v", last)
	}
}

func TestSweepIgnoresNonInProgress(t *testing.T) {
	s, now := newFixture(t)
	old := now.Add(-24 * time.Hour)

	pending := seedTask(t, s, "pending", store.TaskStatusPending, "", "", old)
	completed := seedTask(t, s, "completed", store.TaskStatusCompleted, "", "", old)
	blocked := seedTask(t, s, "blocked", store.TaskStatusBlocked, "agent-1", "", old)

	d := New(s, WithClock(func() time.Time { return now }))
	res, err := d.Sweep(context.Background(), 30*time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.RevertedIDs) != 0 {
		t.Fatalf("reverted = %v, want none", res.RevertedIDs)
	}

	doc, _ := s.Load()
	for id, want := range map[string]store.TaskStatus{
		pending:   store.TaskStatusPending,
		completed: store.TaskStatusCompleted,
		blocked:   store.TaskStatusBlocked,
	} {
		if got := doc.FindTask(id).Status; got != want {
			t.Errorf("task %s status = %q, want %q", id, got, want)
		}
	}
}

func TestSweepAccumulatesStats(t *testing.T) {
	s, now := newFixture(t)
	threshold := 30 * time.Minute

	seedTask(t, s, "a", store.TaskStatusInProgress, "agent-1", "audit", now.Add(-40*time.Minute))
	seedTask(t, s, "b", store.TaskStatusInProgress, "agent-1", "build", now.Add(-60*time.Minute))

	d := New(s, WithClock(func() time.Time { return now }))
	res, err := d.Sweep(context.Background(), threshold)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if res.Stats.RevertedTotal != 2 {
		t.Errorf("reverted total = %d, want 2", res.Stats.RevertedTotal)
	}
	// Mean of 40min and 60min is 50min.
	if want := (50 * time.Minute).Milliseconds(); res.Stats.MeanStaleMS != want {
		t.Errorf("mean stale = %dms, want %dms", res.Stats.MeanStaleMS, want)
	}
	if res.Stats.ByAgent["agent-1"] != 2 {
		t.Errorf("by agent = %v", res.Stats.ByAgent)
	}
	if res.Stats.MostAffectedAgent() != "agent-1" {
		t.Errorf("most affected agent = %q", res.Stats.MostAffectedAgent())
	}
	if !res.Stats.LastSweepAt.Equal(now) {
		t.Errorf("last sweep at = %v, want %v", res.Stats.LastSweepAt, now)
	}
	if res.Stats.LastSweepCount != 2 {
		t.Errorf("last sweep count = %d, want 2", res.Stats.LastSweepCount)
	}
}

func TestSweepMeanIsRunningAcrossSweeps(t *testing.T) {
	s, now := newFixture(t)
	threshold := 30 * time.Minute
	d := New(s, WithClock(func() time.Time { return now }))

	seedTask(t, s, "first", store.TaskStatusInProgress, "a1", "", now.Add(-60*time.Minute))
	if _, err := d.Sweep(context.Background(), threshold); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	seedTask(t, s, "second", store.TaskStatusInProgress, "a2", "", now.Add(-120*time.Minute))
	res, err := d.Sweep(context.Background(), threshold)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	if res.Stats.RevertedTotal != 2 {
		t.Errorf("reverted total = %d, want 2", res.Stats.RevertedTotal)
	}
	// Running mean over 60min and 120min is 90min.
	if want := (90 * time.Minute).Milliseconds(); res.Stats.MeanStaleMS != want {
		t.Errorf("mean stale = %dms, want %dms", res.Stats.MeanStaleMS, want)
	}
	if res.Stats.LastSweepCount != 1 {
		t.Errorf("last sweep count = %d, want 1", res.Stats.LastSweepCount)
	}
}

func TestSweepEmptyStoreIsNoop(t *testing.T) {
	s, now := newFixture(t)
	d := New(s, WithClock(func() time.Time { return now }))
	res, err := d.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(res.RevertedIDs) != 0 || res.Stats.RevertedTotal != 0 {
		t.Errorf("unexpected result on empty store: %+v", res)
	}
}
