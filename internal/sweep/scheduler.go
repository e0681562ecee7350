// Package sweep runs the periodic maintenance loops in daemon mode: the
// staleness detector reclaiming abandoned tasks and the registry sweep
// pruning dead agents, each on its own cron schedule.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskwarden/internal/otel"
	"github.com/basket/taskwarden/internal/registry"
	"github.com/basket/taskwarden/internal/staleness"
	"github.com/basket/taskwarden/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the sweep scheduler.
type Config struct {
	Detector *staleness.Detector
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *otel.Metrics // may be nil

	StaleThreshold  time.Duration
	AgentInactivity time.Duration

	StaleTasksCron string // defaults to every 5 minutes
	AgentsCron     string // defaults to every 15 minutes

	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler fires the staleness and registry sweeps whenever their cron
// schedules come due.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	nextStale  time.Time
	nextAgents time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleTasksCron == "" {
		cfg.StaleTasksCron = "*/5 * * * *"
	}
	if cfg.AgentsCron == "" {
		cfg.AgentsCron = "*/15 * * * *"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	nextStale, err := NextRunTime(cfg.StaleTasksCron, now)
	if err != nil {
		return nil, err
	}
	nextAgents, err := NextRunTime(cfg.AgentsCron, now)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     logger,
		nextStale:  nextStale,
		nextAgents: nextAgents,
	}, nil
}

// Start begins the scheduler loop. An immediate staleness sweep runs first
// so tasks abandoned while the daemon was down are reclaimed at startup.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep scheduler started",
		"stale_tasks_cron", s.cfg.StaleTasksCron,
		"agents_cron", s.cfg.AgentsCron,
	)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Startup recovery sweep.
	s.runStaleSweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if !now.Before(s.nextStale) {
		s.runStaleSweep(ctx)
		if next, err := NextRunTime(s.cfg.StaleTasksCron, now); err == nil {
			s.nextStale = next
		}
	}
	if !now.Before(s.nextAgents) {
		s.runAgentSweep(ctx)
		if next, err := NextRunTime(s.cfg.AgentsCron, now); err == nil {
			s.nextAgents = next
		}
	}
}

func (s *Scheduler) runStaleSweep(ctx context.Context) {
	start := time.Now()
	res, err := s.cfg.Detector.Sweep(ctx, s.cfg.StaleThreshold)
	if err != nil {
		s.noteSweepError(ctx, "staleness sweep failed", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksReverted.Add(ctx, int64(len(res.RevertedIDs)))
		s.cfg.Metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
}

func (s *Scheduler) runAgentSweep(ctx context.Context) {
	start := time.Now()
	res, err := s.cfg.Registry.SweepInactive(ctx, s.cfg.AgentInactivity)
	if err != nil {
		s.noteSweepError(ctx, "agent registry sweep failed", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.AgentsRemoved.Add(ctx, int64(res.Removed))
		s.cfg.Metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// noteSweepError logs a failed sweep and counts lock-timeout contention, the
// expected failure mode when CLI writers hold the document.
func (s *Scheduler) noteSweepError(ctx context.Context, msg string, err error) {
	s.logger.Error(msg, "error", err)
	var lockTimeout *store.LockTimeoutError
	if s.cfg.Metrics != nil && errors.As(err, &lockTimeout) {
		s.cfg.Metrics.LockTimeouts.Add(ctx, 1)
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
