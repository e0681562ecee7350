package guidance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskwarden/internal/store"
)

var testNow = time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)

func docWithTasks(tasks ...store.Task) *store.Document {
	doc := store.NewDocument()
	doc.Tasks = append(doc.Tasks, tasks...)
	return doc
}

func inProgressTask(agentID string, accesses int, spread time.Duration) store.Task {
	task := store.NewTask("long running", "", "", nil, testNow.Add(-2*time.Hour))
	task.Status = store.TaskStatusInProgress
	task.AssignedAgent = agentID
	for i := 0; i < accesses; i++ {
		task.AccessHistory = append(task.AccessHistory, store.AccessRecord{
			AgentID:   agentID,
			Action:    store.AccessActionAccessed,
			Timestamp: testNow.Add(-spread + time.Duration(i)*time.Minute),
		})
	}
	return task
}

func TestDecideContinuesCurrentTask(t *testing.T) {
	doc := docWithTasks(inProgressTask("agent-1", 0, 0))

	decision := Decide(doc, "agent-1", testNow, false)
	if decision.Action != ActionContinueTask {
		t.Fatalf("action = %q, want continue_task", decision.Action)
	}
	if decision.Task == nil || decision.Task.AssignedAgent != "agent-1" {
		t.Errorf("task = %+v", decision.Task)
	}
}

func TestDecideRepetitionTripsAtThreeNotTwo(t *testing.T) {
	two := docWithTasks(inProgressTask("agent-1", 2, 30*time.Minute))
	if got := Decide(two, "agent-1", testNow, false).Action; got != ActionContinueTask {
		t.Errorf("two accesses: action = %q, want continue_task", got)
	}

	three := docWithTasks(inProgressTask("agent-1", 3, 30*time.Minute))
	decision := Decide(three, "agent-1", testNow, false)
	if decision.Action != ActionStuckIntervention {
		t.Fatalf("three accesses: action = %q, want stuck_task_intervention", decision.Action)
	}
	if decision.Guidance == "" {
		t.Error("intervention must carry guidance text")
	}
}

func TestDecideRepetitionIgnoresOldAccesses(t *testing.T) {
	// Three accesses, but all before the trailing window.
	doc := docWithTasks(inProgressTask("agent-1", 3, 3*time.Hour))
	if got := Decide(doc, "agent-1", testNow, false).Action; got != ActionContinueTask {
		t.Errorf("stale accesses: action = %q, want continue_task", got)
	}
}

func TestDecideRepetitionResetOnStatusChangingAction(t *testing.T) {
	task := inProgressTask("agent-1", 2, 30*time.Minute)
	// A claim between accesses breaks the no-progress pattern.
	task.AccessHistory = append([]store.AccessRecord{
		{AgentID: "agent-1", Action: store.AccessActionAccessed, Timestamp: testNow.Add(-40 * time.Minute)},
		{AgentID: "agent-1", Action: store.AccessActionClaimed, Timestamp: testNow.Add(-35 * time.Minute)},
	}, task.AccessHistory...)

	doc := docWithTasks(task)
	if got := Decide(doc, "agent-1", testNow, false).Action; got != ActionContinueTask {
		t.Errorf("action = %q, want continue_task", got)
	}
}

func TestDecideStartsEligiblePendingTask(t *testing.T) {
	blockedDep := store.NewTask("dep", "", "", nil, testNow)
	gated := store.NewTask("gated", "", "", []string{blockedDep.ID}, testNow)
	free := store.NewTask("free", "", "", nil, testNow)

	doc := docWithTasks(blockedDep, gated, free)
	// Mark the dep in_progress for someone else so it is skipped too.
	doc.Tasks[0].Status = store.TaskStatusInProgress
	doc.Tasks[0].AssignedAgent = "agent-2"

	decision := Decide(doc, "agent-1", testNow, false)
	if decision.Action != ActionStartNewTask {
		t.Fatalf("action = %q, want start_new_task", decision.Action)
	}
	if decision.Task.ID != free.ID {
		t.Errorf("picked %s, want %s (gated task has unmet dep)", decision.Task.ID, free.ID)
	}
}

func TestDecideSkipsSelfReviewTask(t *testing.T) {
	auditTask := store.NewTask("audit own work", store.CategoryAudit, "", nil, testNow)
	auditTask.OriginalImplementer = "agent-1"
	other := store.NewTask("other work", "", "", nil, testNow)

	doc := docWithTasks(auditTask, other)
	decision := Decide(doc, "agent-1", testNow, false)
	if decision.Action != ActionStartNewTask || decision.Task.ID != other.ID {
		t.Fatalf("decision = %+v, want start_new_task on %s", decision, other.ID)
	}

	// With only the conflicting task available there is nothing to do.
	solo := docWithTasks(auditTask)
	if got := Decide(solo, "agent-1", testNow, false).Action; got != ActionNoTasksAvailable {
		t.Errorf("action = %q, want no_tasks_available", got)
	}

	// The override makes it claimable, flagged.
	flagged := Decide(solo, "agent-1", testNow, true)
	if flagged.Action != ActionStartNewTask || !flagged.Claim.Flagged {
		t.Errorf("override decision = %+v, want flagged start_new_task", flagged)
	}
}

func TestDecideNoTasksAvailable(t *testing.T) {
	done := store.NewTask("done", "", "", nil, testNow)
	done.Status = store.TaskStatusCompleted
	doc := docWithTasks(done)
	if got := Decide(doc, "agent-1", testNow, false).Action; got != ActionNoTasksAvailable {
		t.Errorf("action = %q, want no_tasks_available", got)
	}
}

func newGuideFixture(t *testing.T) (*store.Store, *Guide) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "todo.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g := New(s, WithClock(func() time.Time { return testNow }))
	return s, g
}

func TestNextClaimsOnRead(t *testing.T) {
	s, g := newGuideFixture(t)
	task := store.NewTask("work item", "", "", nil, testNow)
	err := s.Update(context.Background(), func(doc *store.Document) error {
		doc.Tasks = append(doc.Tasks, task)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	decision, err := g.Next(context.Background(), "agent-1", false)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if decision.Action != ActionStartNewTask {
		t.Fatalf("action = %q, want start_new_task", decision.Action)
	}
	if decision.Task.Status != store.TaskStatusInProgress {
		t.Errorf("returned snapshot status = %q, want in_progress", decision.Task.Status)
	}

	doc, _ := s.Load()
	persisted := doc.FindTask(task.ID)
	if persisted.Status != store.TaskStatusInProgress || persisted.AssignedAgent != "agent-1" {
		t.Errorf("claim not persisted: %+v", persisted)
	}
	if doc.ExecutionCount != 1 {
		t.Errorf("execution count = %d, want 1", doc.ExecutionCount)
	}
	last := persisted.AccessHistory[len(persisted.AccessHistory)-1]
	if last.Action != store.AccessActionClaimed {
		t.Errorf("last access = %+v, want claimed", last)
	}
	if _, ok := doc.Agents["agent-1"]; !ok {
		t.Error("agent record not created on guidance")
	}
}

func TestNextEachAgentGetsDistinctTask(t *testing.T) {
	s, g := newGuideFixture(t)
	err := s.Update(context.Background(), func(doc *store.Document) error {
		doc.Tasks = append(doc.Tasks,
			store.NewTask("first", "", "", nil, testNow),
			store.NewTask("second", "", "", nil, testNow),
		)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	d1, err := g.Next(context.Background(), "agent-1", false)
	if err != nil {
		t.Fatalf("Next agent-1: %v", err)
	}
	d2, err := g.Next(context.Background(), "agent-2", false)
	if err != nil {
		t.Fatalf("Next agent-2: %v", err)
	}
	if d1.Action != ActionStartNewTask || d2.Action != ActionStartNewTask {
		t.Fatalf("actions = %q, %q", d1.Action, d2.Action)
	}
	if d1.Task.ID == d2.Task.ID {
		t.Error("two agents claimed the same task")
	}

	// A third agent finds nothing.
	d3, err := g.Next(context.Background(), "agent-3", false)
	if err != nil {
		t.Fatalf("Next agent-3: %v", err)
	}
	if d3.Action != ActionNoTasksAvailable {
		t.Errorf("action = %q, want no_tasks_available", d3.Action)
	}
}

func TestNextRecordsAccessOnContinue(t *testing.T) {
	s, g := newGuideFixture(t)
	task := inProgressTask("agent-1", 0, 0)
	err := s.Update(context.Background(), func(doc *store.Document) error {
		doc.Tasks = append(doc.Tasks, task)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	decision, err := g.Next(context.Background(), "agent-1", false)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if decision.Action != ActionContinueTask {
		t.Fatalf("action = %q, want continue_task", decision.Action)
	}

	doc, _ := s.Load()
	persisted := doc.FindTask(task.ID)
	last := persisted.AccessHistory[len(persisted.AccessHistory)-1]
	if last.Action != store.AccessActionAccessed || last.AgentID != "agent-1" {
		t.Errorf("access not recorded: %+v", last)
	}
	if !persisted.LastActivity.Equal(testNow) {
		t.Errorf("last activity = %v, want %v", persisted.LastActivity, testNow)
	}
}

func TestNextThirdAccessWithinHourTripsIntervention(t *testing.T) {
	s, g := newGuideFixture(t)
	task := inProgressTask("agent-1", 0, 0)
	err := s.Update(context.Background(), func(doc *store.Document) error {
		doc.Tasks = append(doc.Tasks, task)
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Two guided accesses leave the agent on continue_task; Next records each
	// access, so the third call sees two prior records plus nothing else and
	// still continues, while the fourth sees three and intervenes.
	for i := 0; i < 3; i++ {
		decision, err := g.Next(context.Background(), "agent-1", false)
		if err != nil {
			t.Fatalf("Next #%d: %v", i+1, err)
		}
		if decision.Action != ActionContinueTask {
			t.Fatalf("Next #%d action = %q, want continue_task", i+1, decision.Action)
		}
	}
	decision, err := g.Next(context.Background(), "agent-1", false)
	if err != nil {
		t.Fatalf("Next #4: %v", err)
	}
	if decision.Action != ActionStuckIntervention {
		t.Fatalf("Next #4 action = %q, want stuck_task_intervention", decision.Action)
	}
}
