package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MutationMetrics holds the instruments recorded by the mutation engine.
// A nil *MutationMetrics records nothing.
type MutationMetrics struct {
	mutationDuration metric.Float64Histogram
	mutationCounter  metric.Int64Counter
	writeCounter     metric.Int64Counter
	rollbackCounter  metric.Int64Counter
	activeMutations  metric.Int64UpDownCounter
	planSteps        metric.Int64Histogram
}

// InitMutationMetrics creates the mutation instruments on the global meter provider.
func InitMutationMetrics() (*MutationMetrics, error) {
	meter := otel.Meter("nestwrite")

	mutationDuration, err := meter.Float64Histogram(
		"nestwrite.mutation.duration",
		metric.WithDescription("Duration of nested mutations in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutation duration histogram: %w", err)
	}

	mutationCounter, err := meter.Int64Counter(
		"nestwrite.mutations.total",
		metric.WithDescription("Total number of nested mutations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mutation counter: %w", err)
	}

	writeCounter, err := meter.Int64Counter(
		"nestwrite.writes.total",
		metric.WithDescription("Total number of plan steps executed by action"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create write counter: %w", err)
	}

	rollbackCounter, err := meter.Int64Counter(
		"nestwrite.rollbacks.total",
		metric.WithDescription("Total number of rolled back mutations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rollback counter: %w", err)
	}

	activeMutations, err := meter.Int64UpDownCounter(
		"nestwrite.mutations.active",
		metric.WithDescription("Number of mutations currently executing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active mutations counter: %w", err)
	}

	planSteps, err := meter.Int64Histogram(
		"nestwrite.plan.steps",
		metric.WithDescription("Number of steps in a mutation plan"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan steps histogram: %w", err)
	}

	return &MutationMetrics{
		mutationDuration: mutationDuration,
		mutationCounter:  mutationCounter,
		writeCounter:     writeCounter,
		rollbackCounter:  rollbackCounter,
		activeMutations:  activeMutations,
		planSteps:        planSteps,
	}, nil
}

// RecordMutation records one finished mutation. Outcome is "committed" or an
// error kind.
func (m *MutationMetrics) RecordMutation(ctx context.Context, duration time.Duration, model, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	m.mutationDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.mutationCounter.Add(ctx, 1, attrs)
}

// RecordWrite counts one executed plan step.
func (m *MutationMetrics) RecordWrite(ctx context.Context, model, action string) {
	if m == nil {
		return
	}
	m.writeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("action", action),
	))
}

// RecordRollback counts one rolled back mutation.
func (m *MutationMetrics) RecordRollback(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.rollbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RecordPlanSteps records the size of a plan.
func (m *MutationMetrics) RecordPlanSteps(ctx context.Context, steps int, model string) {
	if m == nil {
		return
	}
	m.planSteps.Record(ctx, int64(steps), metric.WithAttributes(attribute.String("model", model)))
}

// IncrementActiveMutations increments the active mutations counter
func (m *MutationMetrics) IncrementActiveMutations(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeMutations.Add(ctx, 1)
}

// DecrementActiveMutations decrements the active mutations counter
func (m *MutationMetrics) DecrementActiveMutations(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeMutations.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the MutationMetrics instance
func InitMetrics(logger *slog.Logger) (*MutationMetrics, error) {
	metrics, err := InitMutationMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mutation metrics: %w", err)
	}

	logger.Info("mutation metrics initialized")
	return metrics, nil
}
