package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskwarden/internal/audit"
	"github.com/basket/taskwarden/internal/config"
	"github.com/basket/taskwarden/internal/journal"
	"github.com/basket/taskwarden/internal/store"
	"github.com/basket/taskwarden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

// Exit codes shared by every subcommand: 0 means done or nothing to do,
// 2 means the caller should keep working (or retry), 1 means fatal.
const (
	exitOK       = 0
	exitFatal    = 1
	exitContinue = 2
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run sweep scheduler in the foreground

SUBCOMMANDS:
  %s create -title <t> [-category <c>] [-priority <p>] [-deps a,b]
                              Create a pending task
  %s list [-json]             List tasks
  %s claim <task-id> <agent-id> [-allow-out-of-order]
                              Claim a specific task for an agent
  %s update-status <task-id> <status> [-agent <id>]
                              Move a task to pending|in_progress|completed|blocked
  %s complete <task-id> <agent-id>
                              Mark a task completed
  %s guide <agent-id> [-allow-out-of-order] [-json]
                              Ask what the agent should do next
  %s history <task-id> [-limit n] [-json]
                              Show a task's journaled event history
  %s list-agents [-json]      List registered agents with derived liveness
  %s heartbeat <agent-id> [-role <r>] [-specialization <s>]
                              Record agent activity
  %s sweep [-stale] [-agents] [-json]
                              Run staleness and/or registry sweeps now
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKWARDEN_HOME         Data directory (default: ~/.taskwarden)
  TASKWARDEN_STORE        Override the shared document path
  TASKWARDEN_JOURNAL      Override the SQLite journal path

EXIT CODES:
  0  success, or nothing to do
  2  keep working: a task is assigned, or the operation should be retried
  1  fatal error
`)
}

func main() {
	daemon := flag.Bool("daemon", false, "run the sweep scheduler in the foreground")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(exitOK)
		case "create":
			os.Exit(runCreateCommand(ctx, args[1:]))
		case "list":
			os.Exit(runListCommand(ctx, args[1:]))
		case "claim":
			os.Exit(runClaimCommand(ctx, args[1:]))
		case "update-status":
			os.Exit(runUpdateStatusCommand(ctx, args[1:]))
		case "complete":
			os.Exit(runCompleteCommand(ctx, args[1:]))
		case "guide":
			os.Exit(runGuideCommand(ctx, args[1:]))
		case "history":
			os.Exit(runHistoryCommand(ctx, args[1:]))
		case "list-agents":
			os.Exit(runListAgentsCommand(ctx, args[1:]))
		case "heartbeat":
			os.Exit(runHeartbeatCommand(ctx, args[1:]))
		case "sweep":
			os.Exit(runSweepCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(exitContinue)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(exitOK)
	}

	os.Exit(runDaemon(ctx))
}

// app bundles the resources every subcommand needs: config, logger, the
// shared document store and the event journal.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	journal *journal.Journal

	closers []func() error
}

// openApp loads config and opens the store, journal, logger and audit trail.
// Subcommands run with quiet file-only logging so stdout stays parseable.
func openApp(quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("init audit trail: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, audit.Close, closer.Close)

	a.store, err = store.Open(cfg.StorePath,
		store.WithLockTimeout(cfg.LockTimeout()),
		store.WithLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.journal, err = journal.Open(cfg.JournalPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.closers = append(a.closers, a.journal.Close)
	audit.SetDB(a.journal.DB())

	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskwarden","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(exitFatal)
}

func commandError(err error) int {
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitFatal
}
