package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/basket/taskwarden/internal/audit"
	"github.com/basket/taskwarden/internal/guidance"
	"github.com/basket/taskwarden/internal/journal"
	"github.com/basket/taskwarden/internal/store"
)

// runGuideCommand asks the state machine what the agent should do next. The
// exit code is the signal: 2 means keep working (a task is assigned or an
// intervention is required), 0 means there is nothing to do.
func runGuideCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("guide", flag.ContinueOnError)
	allowOutOfOrder := fs.Bool("allow-out-of-order", false, "override the self-review rule; claims are flagged in history")
	jsonOutput := fs.Bool("json", false, "print the decision as JSON")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: guide <agent-id> [-allow-out-of-order] [-json]")
		return exitContinue
	}
	agentID := rest[0]

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	g := guidance.New(a.store, guidance.WithLogger(a.logger))
	decision, err := g.Next(ctx, agentID, *allowOutOfOrder)
	if err != nil {
		return commandError(err)
	}

	recordGuidanceOutcome(ctx, a, agentID, decision)

	if *jsonOutput {
		if rc := printJSON(decision); rc != exitOK {
			return rc
		}
	} else {
		printGuidance(decision)
	}

	if decision.Action == guidance.ActionNoTasksAvailable {
		return exitOK
	}
	return exitContinue
}

func recordGuidanceOutcome(ctx context.Context, a *app, agentID string, decision guidance.Decision) {
	if decision.Task == nil {
		return
	}
	subject := fmt.Sprintf("task=%s agent=%s", decision.Task.ID, agentID)

	switch decision.Action {
	case guidance.ActionStartNewTask:
		audit.Record("allow", "guidance.claim", decision.Claim.Reason, subject)
		_ = a.journal.Append(ctx, journal.Event{
			TaskID:    decision.Task.ID,
			AgentID:   agentID,
			EventType: journal.EventTaskClaimed,
			StateFrom: store.TaskStatusPending,
			StateTo:   store.TaskStatusInProgress,
		})
		if decision.Claim.Flagged {
			_ = a.journal.Append(ctx, journal.Event{
				TaskID:    decision.Task.ID,
				AgentID:   agentID,
				EventType: journal.EventSelfReviewOverride,
				Detail:    decision.Claim.Reason,
			})
		}
	case guidance.ActionStuckIntervention:
		audit.Record("deny", "guidance.repetition", "repeated access with no status change", subject)
	}
}

func printGuidance(decision guidance.Decision) {
	fmt.Println("action:", decision.Action)
	if decision.Task != nil {
		fmt.Printf("task: %s (%s)\n", decision.Task.ID, decision.Task.Title)
	}
	if decision.Guidance != "" {
		fmt.Println("guidance:", decision.Guidance)
	}
}
