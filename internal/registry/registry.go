// Package registry tracks agent liveness independent of task assignment.
// Agents are created on first contact and dropped by a periodic sweep once
// their last activity ages past the inactivity threshold.
package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/taskwarden/internal/store"
)

// DefaultInactivity is the agent inactivity threshold used when none is
// configured.
const DefaultInactivity = 30 * time.Minute

// Registry manages agent records in the shared document.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New returns a Registry backed by the given store.
func New(s *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordActivity stamps last_activity for the agent, creating the record on
// first contact (session start).
func (r *Registry) RecordActivity(ctx context.Context, agentID, role, specialization string) error {
	return r.store.Update(ctx, func(doc *store.Document) error {
		now := r.clock()
		agent, ok := doc.Agents[agentID]
		if !ok {
			agent = store.Agent{
				ID:        agentID,
				CreatedAt: now,
			}
		}
		if role != "" {
			agent.Role = role
		}
		if specialization != "" {
			agent.Specialization = specialization
		}
		agent.LastActivity = now
		doc.Agents[agentID] = agent
		return nil
	})
}

// SweepResult reports the outcome of one registry sweep.
type SweepResult struct {
	Removed    int
	Remaining  int
	RemovedIDs []string
	BackupPath string
}

// SweepInactive drops every agent whose inactivity strictly exceeds
// threshold, writing a timestamped backup of the pre-sweep document first.
// An agent with no recorded activity is treated as maximally stale and
// removed on the first sweep; that is intentional policy, not an accidental
// default. Inactive entries are dropped, not flagged.
func (r *Registry) SweepInactive(ctx context.Context, threshold time.Duration) (SweepResult, error) {
	if threshold <= 0 {
		threshold = DefaultInactivity
	}
	var res SweepResult
	err := r.store.WithLock(ctx, func(context.Context) error {
		doc, err := r.store.Load()
		if err != nil {
			return err
		}
		now := r.clock()

		var staleIDs []string
		for id, agent := range doc.Agents {
			if agent.LastActivity.IsZero() || now.Sub(agent.LastActivity) > threshold {
				staleIDs = append(staleIDs, id)
			}
		}
		if len(staleIDs) == 0 {
			res.Remaining = len(doc.Agents)
			return nil
		}

		// Destructive operation: snapshot the pre-sweep state first.
		backupPath, err := r.store.Backup(now)
		if err != nil {
			return err
		}
		res.BackupPath = backupPath

		for _, id := range staleIDs {
			delete(doc.Agents, id)
		}
		res.Removed = len(staleIDs)
		res.RemovedIDs = staleIDs
		res.Remaining = len(doc.Agents)
		return r.store.Save(doc)
	})
	if err != nil {
		return SweepResult{}, err
	}
	if res.Removed > 0 {
		r.logger.Info("inactive agents removed",
			"removed", res.Removed,
			"remaining", res.Remaining,
			"backup", res.BackupPath,
		)
	}
	return res, nil
}

// AgentView pairs an agent record with its derived liveness.
type AgentView struct {
	store.Agent
	DerivedStatus store.AgentStatus
}

// List returns a snapshot of all agents with liveness derived against the
// given threshold.
func (r *Registry) List(threshold time.Duration) ([]AgentView, error) {
	if threshold <= 0 {
		threshold = DefaultInactivity
	}
	doc, err := r.store.Load()
	if err != nil {
		return nil, err
	}
	now := r.clock()
	out := make([]AgentView, 0, len(doc.Agents))
	for _, agent := range doc.Agents {
		out = append(out, AgentView{
			Agent:         agent,
			DerivedStatus: agent.Status(now, threshold),
		})
	}
	return out, nil
}
