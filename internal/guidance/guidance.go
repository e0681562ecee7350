// Package guidance decides what an agent should do next: continue its
// current task, start a new one, or stop. The decision is a pure function of
// a document snapshot, the agent ID and the current time; the single side
// effect (claiming a pending task) is applied separately under the store
// lock so each agent's decision is independent and concurrent.
package guidance

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/taskwarden/internal/store"
)

// Action enumerates the guidance states.
type Action string

const (
	ActionContinueTask      Action = "continue_task"
	ActionStartNewTask      Action = "start_new_task"
	ActionNoTasksAvailable  Action = "no_tasks_available"
	ActionStuckIntervention Action = "stuck_task_intervention"
)

const (
	// repetitionWindow is the trailing window inspected for no-progress
	// access patterns.
	repetitionWindow = time.Hour
	// repetitionLimit is the access count within the window that trips the
	// intervention. Two accesses must not trigger; the third does.
	repetitionLimit = 3
)

// Decision is the result of evaluating the state machine for one agent.
type Decision struct {
	Action   Action        `json:"action"`
	Task     *store.Task   `json:"task,omitempty"`
	Guidance string        `json:"guidance,omitempty"`
	Claim    ClaimDecision `json:"claim,omitempty"`
}

// Guide evaluates and applies guidance for one agent.
type Guide struct {
	store  *store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Guide.
type Option func(*Guide)

// WithLogger sets the guide's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guide) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Guide) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New returns a Guide backed by the given store.
func New(s *store.Store, opts ...Option) *Guide {
	g := &Guide{
		store:  s,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decide evaluates the transition rule for one agent against a document
// snapshot. Pure: no side effects, so each branch is independently testable.
//
//  1. The agent's in_progress task with a tripped repetition check yields
//     stuck_task_intervention.
//  2. An in_progress task otherwise yields continue_task.
//  3. An eligible pending task yields start_new_task (the claim itself is
//     applied by the caller).
//  4. Otherwise no_tasks_available.
func Decide(doc *store.Document, agentID string, now time.Time, allowOutOfOrder bool) Decision {
	if current := doc.InProgressFor(agentID); current != nil {
		if repetitionTripped(current, agentID, now) {
			return Decision{
				Action: ActionStuckIntervention,
				Task:   current,
				Guidance: "This task has been accessed repeatedly with no status change. " +
					"Finish the remaining work and mark it completed, or move it to blocked " +
					"with a note about what is in the way.",
			}
		}
		return Decision{Action: ActionContinueTask, Task: current}
	}

	for i := range doc.Tasks {
		task := &doc.Tasks[i]
		if task.Status != store.TaskStatusPending {
			continue
		}
		if !doc.DependenciesSatisfied(task) {
			continue
		}
		claim, err := ValidateClaim(task, agentID, allowOutOfOrder)
		if err != nil {
			continue // objectivity conflict; another task may still be eligible
		}
		return Decision{Action: ActionStartNewTask, Task: task, Claim: claim}
	}

	return Decision{Action: ActionNoTasksAvailable}
}

// repetitionTripped reports whether the agent has accessed the task at least
// repetitionLimit times inside the trailing window with no status change in
// between. Status-changing actions (claim, revert, completion) reset the
// pattern.
func repetitionTripped(task *store.Task, agentID string, now time.Time) bool {
	cutoff := now.Add(-repetitionWindow)
	count := 0
	for i := len(task.AccessHistory) - 1; i >= 0; i-- {
		rec := task.AccessHistory[i]
		if rec.Timestamp.Before(cutoff) {
			break
		}
		if rec.Action != store.AccessActionAccessed {
			break
		}
		if rec.AgentID != agentID {
			continue
		}
		count++
		if count >= repetitionLimit {
			return true
		}
	}
	return false
}

// Next evaluates the state machine for the agent and applies its one side
// effect: in the start_new_task branch the chosen task is transactionally
// marked in_progress for the agent (claim-on-read). Every other branch only
// records the access. The whole operation is a single locked
// load-mutate-save, so N agents can be guided concurrently, each holding at
// most one in_progress task.
func (g *Guide) Next(ctx context.Context, agentID string, allowOutOfOrder bool) (Decision, error) {
	var decision Decision
	err := g.store.Update(ctx, func(doc *store.Document) error {
		now := g.clock()
		decision = Decide(doc, agentID, now, allowOutOfOrder)

		switch decision.Action {
		case ActionStartNewTask:
			task := doc.FindTask(decision.Task.ID)
			task.Status = store.TaskStatusInProgress
			task.AssignedAgent = agentID
			task.RecordAccess(agentID, store.AccessActionClaimed, now)
			if decision.Claim.Flagged {
				task.RecordAccess(agentID, store.AccessActionOverride, now)
			}
			doc.ExecutionCount++
			snapshot := *task
			decision.Task = &snapshot
		case ActionContinueTask, ActionStuckIntervention:
			task := doc.FindTask(decision.Task.ID)
			task.RecordAccess(agentID, store.AccessActionAccessed, now)
			snapshot := *task
			decision.Task = &snapshot
		}

		if agent, ok := doc.Agents[agentID]; ok {
			agent.LastActivity = now
			doc.Agents[agentID] = agent
		} else {
			doc.Agents[agentID] = store.Agent{ID: agentID, CreatedAt: now, LastActivity: now}
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	g.logger.Info("guidance decided",
		"agent_id", agentID,
		"action", decision.Action,
		"task_id", taskID(decision.Task),
	)
	return decision, nil
}

func taskID(t *store.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}
