package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/basket/taskwarden/internal/journal"
	"github.com/basket/taskwarden/internal/registry"
	"github.com/basket/taskwarden/internal/staleness"
	"github.com/basket/taskwarden/internal/store"
)

func runSweepCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	staleOnly := fs.Bool("stale", false, "only revert stale in_progress tasks")
	agentsOnly := fs.Bool("agents", false, "only remove inactive agents")
	jsonOutput := fs.Bool("json", false, "print sweep results as JSON")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	runStale := !*agentsOnly || *staleOnly
	runAgents := !*staleOnly || *agentsOnly

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	out := struct {
		Stale  *staleness.Result     `json:"stale,omitempty"`
		Agents *registry.SweepResult `json:"agents,omitempty"`
	}{}

	if runStale {
		det := staleness.New(a.store, staleness.WithLogger(a.logger))
		res, err := det.Sweep(ctx, a.cfg.StaleThreshold())
		if err != nil {
			return commandError(err)
		}
		for _, id := range res.RevertedIDs {
			_ = a.journal.Append(ctx, journal.Event{
				TaskID:    id,
				EventType: journal.EventTaskReverted,
				StateFrom: store.TaskStatusInProgress,
				StateTo:   store.TaskStatusPending,
				Detail:    "stale: no activity past threshold",
			})
		}
		out.Stale = &res
	}

	if runAgents {
		reg := registry.New(a.store, registry.WithLogger(a.logger))
		res, err := reg.SweepInactive(ctx, a.cfg.AgentInactivity())
		if err != nil {
			return commandError(err)
		}
		for _, id := range res.RemovedIDs {
			_ = a.journal.Append(ctx, journal.Event{
				AgentID:   id,
				EventType: journal.EventAgentRemoved,
				Detail:    "inactive past threshold",
			})
		}
		out.Agents = &res
	}

	if *jsonOutput {
		return printJSON(out)
	}
	if out.Stale != nil {
		fmt.Printf("stale sweep: %d task(s) reverted (lifetime %d, mean stale %dms)\n",
			len(out.Stale.RevertedIDs), out.Stale.Stats.RevertedTotal, out.Stale.Stats.MeanStaleMS)
	}
	if out.Agents != nil {
		fmt.Printf("agent sweep: %d removed, %d remaining", out.Agents.Removed, out.Agents.Remaining)
		if out.Agents.BackupPath != "" {
			fmt.Printf(" (backup: %s)", out.Agents.BackupPath)
		}
		fmt.Println()
	}
	return exitOK
}
