package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ptt-dictate/orchestrator"

// Metrics is the Metrics Publisher: labeled counters and a latency
// histogram over an injected metric.MeterProvider, grounded on the
// teacher-adjacent glyphoxa Metrics struct
// (internal/observe/metrics.go). All labels are low-cardinality constants;
// none ever carry transcribed text.
type Metrics struct {
	EngineLatency          metric.Int64Histogram
	EngineSuccessTotal     metric.Int64Counter
	EngineFailureTotal     metric.Int64Counter
	ReconcileStrategyTotal metric.Int64Counter
	ReconcileSelectedTotal metric.Int64Counter
}

// NewMetrics creates a fully initialized Metrics using the given
// MeterProvider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.EngineLatency, err = m.Int64Histogram("engine.latency",
		metric.WithDescription("Per-transcription engine latency."),
		metric.WithUnit("ns"),
	); err != nil {
		return nil, err
	}
	if met.EngineSuccessTotal, err = m.Int64Counter("engine.success_total",
		metric.WithDescription("Successful transcriptions by engine."),
	); err != nil {
		return nil, err
	}
	if met.EngineFailureTotal, err = m.Int64Counter("engine.failure_total",
		metric.WithDescription("Failed transcriptions by engine and reason."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileStrategyTotal, err = m.Int64Counter("reconcile.strategy_total",
		metric.WithDescription("Reconciliations performed, by strategy."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileSelectedTotal, err = m.Int64Counter("reconcile.selected_total",
		metric.WithDescription("Reconciliation winner, by source engine."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordLatency records ns-resolution engine latency labeled by engine.
func (m *Metrics) RecordLatency(ctx context.Context, engine EngineRole, d time.Duration) {
	if m == nil {
		return
	}
	m.EngineLatency.Record(ctx, d.Nanoseconds(), metric.WithAttributes(attribute.String("engine", string(engine))))
}

func (m *Metrics) RecordSuccess(ctx context.Context, engine EngineRole) {
	if m == nil {
		return
	}
	m.EngineSuccessTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", string(engine))))
}

func (m *Metrics) RecordFailure(ctx context.Context, engine EngineRole, reason FailureReason) {
	if m == nil {
		return
	}
	m.EngineFailureTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("engine", string(engine)),
		attribute.String("reason", string(reason)),
	))
}

func (m *Metrics) RecordReconcileStrategy(ctx context.Context, strategy ReconciliationStrategy) {
	if m == nil {
		return
	}
	m.ReconcileStrategyTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", string(strategy))))
}

func (m *Metrics) RecordReconcileSelected(ctx context.Context, engine EngineRole) {
	if m == nil {
		return
	}
	m.ReconcileSelectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", string(engine))))
}
