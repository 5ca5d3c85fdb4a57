package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "promodispatch"

// Recorder receives dispatcher measurements.
type Recorder interface {
	// Outcome counts one ledger outcome (delivered, failed, abandoned, deferred, enqueued).
	Outcome(ctx context.Context, status string)
	// SendDuration observes one delivery attempt.
	SendDuration(ctx context.Context, status string, d time.Duration)
	// Transition counts a session phase change.
	Transition(ctx context.Context, from, to string)
}

type otelRecorder struct {
	outcomes    metric.Int64Counter
	sendSeconds metric.Float64Histogram
	transitions metric.Int64Counter
}

func NewRecorder(mp metric.MeterProvider) (Recorder, error) {
	meter := mp.Meter(namespace)

	outcomes, err := meter.Int64Counter(
		namespace+"_outcomes_total",
		metric.WithDescription("Dispatch outcomes by status"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: outcome counter: %w", err)
	}
	sendSeconds, err := meter.Float64Histogram(
		namespace+"_send_duration_seconds",
		metric.WithDescription("Duration of delivery attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: send histogram: %w", err)
	}
	transitions, err := meter.Int64Counter(
		namespace+"_session_transitions_total",
		metric.WithDescription("Session phase transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: transition counter: %w", err)
	}
	return &otelRecorder{outcomes: outcomes, sendSeconds: sendSeconds, transitions: transitions}, nil
}

func (r *otelRecorder) Outcome(ctx context.Context, status string) {
	r.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (r *otelRecorder) SendDuration(ctx context.Context, status string, d time.Duration) {
	r.sendSeconds.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (r *otelRecorder) Transition(ctx context.Context, from, to string) {
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// NoOp is used when metrics are disabled.
type NoOp struct{}

func (NoOp) Outcome(context.Context, string)                     {}
func (NoOp) SendDuration(context.Context, string, time.Duration) {}
func (NoOp) Transition(context.Context, string, string)          {}
