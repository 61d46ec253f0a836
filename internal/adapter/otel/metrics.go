package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "forgecrew"

// Metrics holds all ForgeCrew metric instruments.
type Metrics struct {
	PhasesStarted    metric.Int64Counter
	PhasesCompleted  metric.Int64Counter
	PhasesFailed     metric.Int64Counter
	PhaseRetries     metric.Int64Counter
	SupervisorAborts metric.Int64Counter
	MergesBlocked    metric.Int64Counter
	TaskCost         metric.Float64Histogram
	PhaseDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.PhasesStarted, err = meter.Int64Counter("forgecrew.phases.started",
		metric.WithDescription("Number of pipeline phases started")); err != nil {
		return nil, err
	}
	if m.PhasesCompleted, err = meter.Int64Counter("forgecrew.phases.completed",
		metric.WithDescription("Number of pipeline phases completed")); err != nil {
		return nil, err
	}
	if m.PhasesFailed, err = meter.Int64Counter("forgecrew.phases.failed",
		metric.WithDescription("Number of pipeline phases failed")); err != nil {
		return nil, err
	}
	if m.PhaseRetries, err = meter.Int64Counter("forgecrew.phases.retries",
		metric.WithDescription("Number of phase retry attempts")); err != nil {
		return nil, err
	}
	if m.SupervisorAborts, err = meter.Int64Counter("forgecrew.supervisor.aborts",
		metric.WithDescription("Executions aborted for stagnation")); err != nil {
		return nil, err
	}
	if m.MergesBlocked, err = meter.Int64Counter("forgecrew.merges.blocked",
		metric.WithDescription("Epic merges blocked on complex conflicts")); err != nil {
		return nil, err
	}
	if m.TaskCost, err = meter.Float64Histogram("forgecrew.task.cost_usd",
		metric.WithDescription("Total task cost in USD")); err != nil {
		return nil, err
	}
	if m.PhaseDuration, err = meter.Float64Histogram("forgecrew.phase.duration_seconds",
		metric.WithDescription("Phase duration in seconds")); err != nil {
		return nil, err
	}
	return m, nil
}
