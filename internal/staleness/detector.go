// Package staleness reclaims tasks abandoned by their agents. A task left
// in_progress longer than the configured threshold with no activity reverts
// to pending so other agents can pick it up.
package staleness

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/taskwarden/internal/store"
)

// DefaultThreshold matches the 30-minute inactivity window used for agents.
const DefaultThreshold = 30 * time.Minute

// Detector runs staleness sweeps against a store.
type Detector struct {
	store  *store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source. Tests use this to pin "now".
func WithClock(clock func() time.Time) Option {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// New returns a Detector for the given store.
func New(s *store.Store, opts ...Option) *Detector {
	d := &Detector{
		store:  s,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result summarizes one sweep.
type Result struct {
	RevertedIDs []string
	Stats       store.SweepStats
}

// Sweep reverts every in_progress task whose elapsed inactivity strictly
// exceeds threshold: status back to pending, assigned agent cleared, a
// revert record appended to the access history. Statistics are updated in
// the same save so a second write can never race. The whole sweep is one
// locked load-mutate-save; a store failure aborts it with no partial
// reverts.
func (d *Detector) Sweep(ctx context.Context, threshold time.Duration) (Result, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	var res Result
	err := d.store.Update(ctx, func(doc *store.Document) error {
		now := d.clock()
		var staleTotal time.Duration
		for i := range doc.Tasks {
			task := &doc.Tasks[i]
			if task.Status != store.TaskStatusInProgress {
				continue
			}
			elapsed := now.Sub(task.LastActivity)
			// Strictly greater: boundary equality does not count as stale.
			if elapsed <= threshold {
				continue
			}
			agentID := task.AssignedAgent
			task.Status = store.TaskStatusPending
			task.AssignedAgent = ""
			task.RecordAccess(agentID, store.AccessActionReverted, now)
			res.RevertedIDs = append(res.RevertedIDs, task.ID)
			staleTotal += elapsed

			if doc.Stats.ByAgent == nil {
				doc.Stats.ByAgent = make(map[string]int)
			}
			if doc.Stats.ByCategory == nil {
				doc.Stats.ByCategory = make(map[string]int)
			}
			if agentID != "" {
				doc.Stats.ByAgent[agentID]++
			}
			if task.Category != "" {
				doc.Stats.ByCategory[task.Category]++
			}
		}

		n := len(res.RevertedIDs)
		if n > 0 {
			prevTotal := doc.Stats.RevertedTotal
			prevMean := time.Duration(doc.Stats.MeanStaleMS) * time.Millisecond
			newMean := (prevMean*time.Duration(prevTotal) + staleTotal) / time.Duration(prevTotal+n)
			doc.Stats.RevertedTotal = prevTotal + n
			doc.Stats.MeanStaleMS = newMean.Milliseconds()
		}
		doc.Stats.LastSweepAt = now
		doc.Stats.LastSweepCount = n
		res.Stats = doc.Stats
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if n := len(res.RevertedIDs); n > 0 {
		d.logger.Info("stale tasks reverted",
			"count", n,
			"threshold", threshold,
			"most_affected_agent", res.Stats.MostAffectedAgent(),
		)
	}
	return res, nil
}
