package guidance

import (
	"fmt"

	"github.com/basket/taskwarden/internal/store"
)

// SelfReviewViolation is the business-rule rejection raised when an agent
// attempts to audit its own prior implementation. It is surfaced to callers
// as a structured refusal, never as a crash.
type SelfReviewViolation struct {
	TaskID  string
	AgentID string
}

func (e *SelfReviewViolation) Error() string {
	return fmt.Sprintf("agent %s implemented task %s and may not audit it", e.AgentID, e.TaskID)
}

// ClaimDecision is the outcome of validating a claim attempt.
type ClaimDecision struct {
	Allowed bool   `json:"allowed"`
	Flagged bool   `json:"flagged,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ValidateClaim enforces reviewer independence before any state mutation:
// an audit task may not be claimed by its original implementer. Passing
// allowOutOfOrder overrides the rule; the claim then succeeds but must be
// flagged in the task's history for traceability. Pure predicate over task
// and agent identity.
func ValidateClaim(task *store.Task, agentID string, allowOutOfOrder bool) (ClaimDecision, error) {
	if task.Category != store.CategoryAudit || task.OriginalImplementer == "" || task.OriginalImplementer != agentID {
		return ClaimDecision{Allowed: true}, nil
	}
	if allowOutOfOrder {
		return ClaimDecision{
			Allowed: true,
			Flagged: true,
			Reason:  "self-review override requested by caller",
		}, nil
	}
	violation := &SelfReviewViolation{TaskID: task.ID, AgentID: agentID}
	return ClaimDecision{Allowed: false, Reason: violation.Error()}, violation
}
