package store

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// AgentStatus enumerates agent liveness states. Inactive agents are derived
// from last_activity age, never stored explicitly; a persisted agent is
// always "active" until a registry sweep drops it.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// CategoryAudit marks review tasks subject to the objectivity rule: the
// agent that produced the work under review may not claim them.
const CategoryAudit = "audit"

// accessHistoryLimit bounds per-task access history; oldest entries are
// evicted once the limit is reached.
const accessHistoryLimit = 20

// AccessRecord is one entry in a task's append-only access history.
type AccessRecord struct {
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// Access history actions recorded by the guidance and sweep paths.
const (
	AccessActionClaimed   = "claimed"
	AccessActionAccessed  = "accessed"
	AccessActionReverted  = "reverted"
	AccessActionCompleted = "completed"
	AccessActionOverride  = "self_review_override"
)

// Task is one unit of work in the shared document.
type Task struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title"`
	Status              TaskStatus     `json:"status"`
	Category            string         `json:"category,omitempty"`
	Priority            string         `json:"priority,omitempty"`
	AssignedAgent       string         `json:"assigned_agent,omitempty"`
	AssignedAgents      []string       `json:"assigned_agents,omitempty"`
	Dependencies        []string       `json:"dependencies,omitempty"`
	OriginalImplementer string         `json:"original_implementer,omitempty"`
	AccessHistory       []AccessRecord `json:"access_history,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	LastActivity        time.Time      `json:"last_activity"`
}

// RecordAccess appends an entry to the task's bounded access history and
// stamps last_activity.
func (t *Task) RecordAccess(agentID, action string, now time.Time) {
	t.AccessHistory = append(t.AccessHistory, AccessRecord{
		AgentID:   agentID,
		Action:    action,
		Timestamp: now,
	})
	if n := len(t.AccessHistory); n > accessHistoryLimit {
		t.AccessHistory = t.AccessHistory[n-accessHistoryLimit:]
	}
	t.LastActivity = now
}

// Agent is a registered worker identified by a session-scoped ID.
type Agent struct {
	ID             string    `json:"id"`
	Role           string    `json:"role,omitempty"`
	Specialization string    `json:"specialization,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Status derives the agent's liveness from its last activity age.
func (a Agent) Status(now time.Time, inactivity time.Duration) AgentStatus {
	if a.LastActivity.IsZero() || now.Sub(a.LastActivity) > inactivity {
		return AgentStatusInactive
	}
	return AgentStatusActive
}

// SweepStats accumulates staleness-sweep statistics. They are persisted in
// the same save as the task reverts so a second write can never race.
type SweepStats struct {
	RevertedTotal  int            `json:"reverted_total"`
	MeanStaleMS    int64          `json:"mean_stale_ms"`
	ByAgent        map[string]int `json:"by_agent,omitempty"`
	ByCategory     map[string]int `json:"by_category,omitempty"`
	LastSweepAt    time.Time      `json:"last_sweep_at,omitzero"`
	LastSweepCount int            `json:"last_sweep_count"`
}

// MostAffectedAgent returns the agent with the most reverts, empty if none.
func (s SweepStats) MostAffectedAgent() string { return maxKey(s.ByAgent) }

// MostAffectedCategory returns the category with the most reverts, empty if none.
func (s SweepStats) MostAffectedCategory() string { return maxKey(s.ByCategory) }

func maxKey(m map[string]int) string {
	best := ""
	bestN := 0
	for k, n := range m {
		if n > bestN || (n == bestN && best != "" && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

// Document is the full persisted state: tasks, agents and aggregate counters.
type Document struct {
	Tasks          []Task           `json:"tasks"`
	Agents         map[string]Agent `json:"agents"`
	ExecutionCount int64            `json:"execution_count"`
	ReviewStrikes  int64            `json:"review_strikes"`
	Stats          SweepStats       `json:"stats"`
}

// NewDocument returns an empty document with initialized maps.
func NewDocument() *Document {
	return &Document{
		Agents: make(map[string]Agent),
		Stats: SweepStats{
			ByAgent:    make(map[string]int),
			ByCategory: make(map[string]int),
		},
	}
}

// FindTask returns a pointer into the document's task slice, or nil.
func (d *Document) FindTask(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// InProgressFor returns the agent's current in_progress task, or nil.
// At most one exists per agent; the first match wins.
func (d *Document) InProgressFor(agentID string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].Status == TaskStatusInProgress && d.Tasks[i].AssignedAgent == agentID {
			return &d.Tasks[i]
		}
	}
	return nil
}

// DependenciesSatisfied reports whether every dependency of the task is met.
// A dependency naming a known task requires that task to be completed;
// references to anything else are external file paths and assumed satisfied.
func (d *Document) DependenciesSatisfied(t *Task) bool {
	for _, dep := range t.Dependencies {
		if other := d.FindTask(dep); other != nil && other.Status != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// NewTask constructs a pending task with a fresh ID.
func NewTask(title, category, priority string, deps []string, now time.Time) Task {
	return Task{
		ID:           uuid.NewString(),
		Title:        title,
		Status:       TaskStatusPending,
		Category:     category,
		Priority:     priority,
		Dependencies: deps,
		CreatedAt:    now,
		LastActivity: now,
	}
}
