package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskwarden metric instruments.
type Metrics struct {
	TasksReverted metric.Int64Counter
	AgentsRemoved metric.Int64Counter
	LockTimeouts  metric.Int64Counter
	SweepDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksReverted, err = meter.Int64Counter("taskwarden.tasks.reverted",
		metric.WithDescription("Stale in_progress tasks reverted to pending"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsRemoved, err = meter.Int64Counter("taskwarden.agents.removed",
		metric.WithDescription("Inactive agents dropped by registry sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.LockTimeouts, err = meter.Int64Counter("taskwarden.store.lock_timeouts",
		metric.WithDescription("Document lock acquisitions that timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("taskwarden.sweep.duration",
		metric.WithDescription("Sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
