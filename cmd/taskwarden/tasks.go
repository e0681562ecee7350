package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskwarden/internal/audit"
	"github.com/basket/taskwarden/internal/guidance"
	"github.com/basket/taskwarden/internal/journal"
	"github.com/basket/taskwarden/internal/store"
)

func runCreateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	title := fs.String("title", "", "task title (required)")
	category := fs.String("category", "", "task category; \"audit\" enables reviewer-independence checks")
	priority := fs.String("priority", "medium", "task priority")
	deps := fs.String("deps", "", "comma-separated dependency list (task IDs or file paths)")
	implementer := fs.String("implementer", "", "original implementer agent ID (audit tasks)")
	jsonOutput := fs.Bool("json", false, "print the created task as JSON")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	if strings.TrimSpace(*title) == "" {
		fmt.Fprintln(os.Stderr, "create: -title is required")
		fs.Usage()
		return exitContinue
	}

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	var depList []string
	for _, d := range strings.Split(*deps, ",") {
		if d = strings.TrimSpace(d); d != "" {
			depList = append(depList, d)
		}
	}

	var created store.Task
	err = a.store.Update(ctx, func(doc *store.Document) error {
		created = store.NewTask(*title, *category, *priority, depList, time.Now())
		created.OriginalImplementer = *implementer
		doc.Tasks = append(doc.Tasks, created)
		return nil
	})
	if err != nil {
		return commandError(err)
	}

	_ = a.journal.Append(ctx, journal.Event{
		TaskID:    created.ID,
		EventType: journal.EventTaskCreated,
		StateTo:   store.TaskStatusPending,
		Detail:    created.Title,
	})
	a.logger.Info("task created", "task_id", created.ID, "title", created.Title)

	if *jsonOutput {
		return printJSON(created)
	}
	fmt.Println(created.ID)
	return exitOK
}

func runListCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print tasks as JSON")
	status := fs.String("status", "", "filter by status")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	doc, err := a.store.Load()
	if err != nil {
		return commandError(err)
	}

	tasks := doc.Tasks
	if *status != "" {
		filtered := tasks[:0:0]
		for _, t := range tasks {
			if string(t.Status) == *status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if *jsonOutput {
		return printJSON(tasks)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Category", "Agent", "Last Activity"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{
			shortID(t.ID), t.Title, t.Status, t.Category, t.AssignedAgent,
			t.LastActivity.Format(time.RFC3339),
		})
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	tw.Render()
	return exitOK
}

// errAlreadyInProgress rejects a claim or status change that would give an
// agent a second in_progress task. Each agent holds at most one.
var errAlreadyInProgress = errors.New("agent already has a task in progress")

func runClaimCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	allowOutOfOrder := fs.Bool("allow-out-of-order", false, "override the self-review rule; the claim is flagged in history")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	rest := fs.Args()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: claim <task-id> <agent-id> [-allow-out-of-order]")
		return exitContinue
	}
	taskID, agentID := rest[0], rest[1]

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	var claimed store.Task
	var decision guidance.ClaimDecision
	err = a.store.Update(ctx, func(doc *store.Document) error {
		task := doc.FindTask(taskID)
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		if task.Status != store.TaskStatusPending {
			return fmt.Errorf("task %s is %s, not pending", taskID, task.Status)
		}
		if !doc.DependenciesSatisfied(task) {
			return fmt.Errorf("task %s has unmet dependencies", taskID)
		}
		if current := doc.InProgressFor(agentID); current != nil {
			return fmt.Errorf("agent %s holds task %s: %w", agentID, current.ID, errAlreadyInProgress)
		}
		var claimErr error
		decision, claimErr = guidance.ValidateClaim(task, agentID, *allowOutOfOrder)
		if claimErr != nil {
			return claimErr
		}
		now := time.Now()
		task.Status = store.TaskStatusInProgress
		task.AssignedAgent = agentID
		task.RecordAccess(agentID, store.AccessActionClaimed, now)
		if decision.Flagged {
			task.RecordAccess(agentID, store.AccessActionOverride, now)
		}
		doc.ExecutionCount++
		claimed = *task
		return nil
	})

	if errors.Is(err, errAlreadyInProgress) {
		fmt.Fprintln(os.Stderr, "claim rejected:", err)
		return exitContinue
	}

	subject := fmt.Sprintf("task=%s agent=%s", taskID, agentID)
	var violation *guidance.SelfReviewViolation
	if errors.As(err, &violation) {
		audit.Record("deny", "guidance.claim", violation.Error(), subject)
		_ = a.store.Update(ctx, func(doc *store.Document) error {
			doc.ReviewStrikes++
			return nil
		})
		fmt.Fprintln(os.Stderr, "claim rejected:", violation.Error())
		return exitContinue
	}
	if err != nil {
		return commandError(err)
	}

	audit.Record("allow", "guidance.claim", decision.Reason, subject)
	_ = a.journal.Append(ctx, journal.Event{
		TaskID:    claimed.ID,
		AgentID:   agentID,
		EventType: journal.EventTaskClaimed,
		StateFrom: store.TaskStatusPending,
		StateTo:   store.TaskStatusInProgress,
	})
	if decision.Flagged {
		_ = a.journal.Append(ctx, journal.Event{
			TaskID:    claimed.ID,
			AgentID:   agentID,
			EventType: journal.EventSelfReviewOverride,
			Detail:    decision.Reason,
		})
	}
	a.logger.Info("task claimed", "task_id", claimed.ID, "agent_id", agentID, "flagged", decision.Flagged)
	fmt.Printf("claimed %s for %s\n", claimed.ID, agentID)
	return exitOK
}

func runUpdateStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("update-status", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent performing the change")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	rest := fs.Args()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: update-status <task-id> <status> [-agent <id>]")
		return exitContinue
	}
	taskID := rest[0]
	target := store.TaskStatus(rest[1])
	switch target {
	case store.TaskStatusPending, store.TaskStatusInProgress, store.TaskStatusCompleted, store.TaskStatusBlocked:
	default:
		fmt.Fprintf(os.Stderr, "update-status: invalid status %q\n", rest[1])
		return exitContinue
	}

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	return applyStatusChange(ctx, a, taskID, *agentID, target)
}

func runCompleteCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: complete <task-id> <agent-id>")
		return exitContinue
	}
	taskID, agentID := args[0], args[1]

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	return applyStatusChange(ctx, a, taskID, agentID, store.TaskStatusCompleted)
}

func applyStatusChange(ctx context.Context, a *app, taskID, agentID string, target store.TaskStatus) int {
	var from store.TaskStatus
	err := a.store.Update(ctx, func(doc *store.Document) error {
		task := doc.FindTask(taskID)
		if task == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		from = task.Status
		now := time.Now()
		if target == store.TaskStatusInProgress && agentID != "" {
			if current := doc.InProgressFor(agentID); current != nil && current.ID != task.ID {
				return fmt.Errorf("agent %s holds task %s: %w", agentID, current.ID, errAlreadyInProgress)
			}
		}
		task.Status = target
		switch target {
		case store.TaskStatusCompleted:
			// Remember who implemented it so a later audit task can enforce
			// reviewer independence.
			if task.OriginalImplementer == "" && task.AssignedAgent != "" {
				task.OriginalImplementer = task.AssignedAgent
			}
			task.AssignedAgent = ""
			task.RecordAccess(agentID, store.AccessActionCompleted, now)
		case store.TaskStatusPending:
			task.AssignedAgent = ""
			task.LastActivity = now
		default:
			if agentID != "" {
				task.AssignedAgent = agentID
			}
			task.LastActivity = now
		}
		return nil
	})
	if errors.Is(err, errAlreadyInProgress) {
		fmt.Fprintln(os.Stderr, "status change rejected:", err)
		return exitContinue
	}
	if err != nil {
		return commandError(err)
	}

	eventType := journal.EventTaskStatusChanged
	if target == store.TaskStatusCompleted {
		eventType = journal.EventTaskCompleted
	}
	_ = a.journal.Append(ctx, journal.Event{
		TaskID:    taskID,
		AgentID:   agentID,
		EventType: eventType,
		StateFrom: from,
		StateTo:   target,
	})
	a.logger.Info("task status changed", "task_id", taskID, "from", from, "to", target)
	fmt.Printf("%s: %s -> %s\n", taskID, from, target)
	return exitOK
}

func runHistoryCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print events as JSON")
	limit := fs.Int("limit", 100, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: history <task-id> [-limit n] [-json]")
		return exitContinue
	}

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	events, err := a.journal.ListByTask(ctx, rest[0], *limit)
	if err != nil {
		return commandError(err)
	}
	if *jsonOutput {
		return printJSON(events)
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-26s", ev.CreatedAt.Format(time.RFC3339), ev.EventType)
		if ev.AgentID != "" {
			line += "  agent=" + ev.AgentID
		}
		if ev.StateFrom != "" || ev.StateTo != "" {
			line += fmt.Sprintf("  %s -> %s", ev.StateFrom, ev.StateTo)
		}
		if ev.Detail != "" {
			line += "  " + ev.Detail
		}
		fmt.Println(line)
	}
	return exitOK
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "Error encoding json:", err)
		return exitFatal
	}
	return exitOK
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
