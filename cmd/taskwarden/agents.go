package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"

	"github.com/basket/taskwarden/internal/registry"
)

func runListAgentsCommand(_ context.Context, args []string) int {
	fs := flag.NewFlagSet("list-agents", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print agents as JSON")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	reg := registry.New(a.store, registry.WithLogger(a.logger))
	views, err := reg.List(a.cfg.AgentInactivity())
	if err != nil {
		return commandError(err)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	if *jsonOutput {
		return printJSON(views)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Role", "Specialization", "Status", "Last Activity"})
	for _, v := range views {
		last := ""
		if !v.LastActivity.IsZero() {
			last = v.LastActivity.Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{v.ID, v.Role, v.Specialization, v.DerivedStatus, last})
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		tw.SetStyle(table.StyleRounded)
	} else {
		tw.SetStyle(table.StyleDefault)
	}
	tw.Render()
	return exitOK
}

func runHeartbeatCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
	role := fs.String("role", "", "agent role")
	specialization := fs.String("specialization", "", "agent specialization")
	if err := fs.Parse(args); err != nil {
		return exitContinue
	}
	rest := fs.Args()
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: heartbeat <agent-id> [-role <r>] [-specialization <s>]")
		return exitContinue
	}
	agentID := rest[0]

	a, err := openApp(true)
	if err != nil {
		return commandError(err)
	}
	defer a.close()

	reg := registry.New(a.store, registry.WithLogger(a.logger))
	if err := reg.RecordActivity(ctx, agentID, *role, *specialization); err != nil {
		return commandError(err)
	}
	a.logger.Info("heartbeat recorded", "agent_id", agentID)
	fmt.Printf("heartbeat recorded for %s\n", agentID)
	return exitOK
}
