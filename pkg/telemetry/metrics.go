package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies how a pipeline or module invocation ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeError    Outcome = "error"
	OutcomeRejected Outcome = "rejected"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	moduleExecutionCounter  metric.Int64Counter
	moduleLatencyHistogram  metric.Float64Histogram
	pipelineExecCounter     metric.Int64Counter
	pipelineLatencyHisto    metric.Float64Histogram
	admissionRejectCounter  metric.Int64Counter
	maintenanceTransitions  metric.Int64Counter
	healthTransitionCounter metric.Int64Counter
)

// ModuleMetrics captures the fields needed to record one module invocation.
type ModuleMetrics struct {
	PipelineID string
	Provider   string
	ModuleID   string
	Kind       domain.ModuleKind
	Version    string
	Position   int
	Outcome    Outcome
	Duration   time.Duration
}

// RecordModuleMetrics emits the counter and latency histogram of one module call.
func RecordModuleMetrics(ctx context.Context, m ModuleMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("provider.name", m.Provider),
		attribute.String("module.id", m.ModuleID),
		attribute.String("module.kind", string(m.Kind)),
		attribute.String("module.version", m.Version),
		attribute.Int("module.position", m.Position),
		attribute.String("module.outcome", string(m.Outcome)),
	)

	moduleExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		moduleLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// PipelineMetrics captures the fields needed to record one pipeline execution.
type PipelineMetrics struct {
	PipelineID string
	RouteName  string
	Provider   string
	Model      string
	Outcome    Outcome
	Duration   time.Duration
}

// RecordPipelineMetrics emits the counter and latency histogram of one pipeline execution.
func RecordPipelineMetrics(ctx context.Context, m PipelineMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.id", m.PipelineID),
		attribute.String("route.name", m.RouteName),
		attribute.String("provider.name", m.Provider),
		attribute.String("provider.model", m.Model),
		attribute.String("pipeline.outcome", string(m.Outcome)),
	)

	pipelineExecCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		pipelineLatencyHisto.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordAdmissionRejected counts a request refused before any module ran.
func RecordAdmissionRejected(ctx context.Context, pipelineID string, err error) {
	if ensureMetrics() != nil {
		return
	}
	reason := "unknown"
	switch {
	case errors.Is(err, domain.ErrPipelineNotFound):
		reason = "not_found"
	case errors.Is(err, domain.ErrPipelineNotAssembled):
		reason = "not_assembled"
	case errors.Is(err, domain.ErrPipelineUnderMaintenance):
		reason = "maintenance"
	case errors.Is(err, domain.ErrManagerDestroyed):
		reason = "destroyed"
	}
	admissionRejectCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("admission.reason", reason),
	))
}

// RecordMaintenanceTransition counts maintenance set, clear and recovery operations.
func RecordMaintenanceTransition(ctx context.Context, provider, transition string) {
	if ensureMetrics() != nil {
		return
	}
	maintenanceTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.String("maintenance.transition", transition),
	))
}

// RecordHealthTransition counts cached health changes.
func RecordHealthTransition(ctx context.Context, pipelineID string, from, to domain.Health) {
	if ensureMetrics() != nil {
		return
	}
	healthTransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline.id", pipelineID),
		attribute.String("health.from", string(from)),
		attribute.String("health.to", string(to)),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("gateway.pipeline")

		moduleExecutionCounter, metricsInitErr = meter.Int64Counter(
			"gateway.module.executions_total",
			metric.WithDescription("Module invocations partitioned by kind and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		moduleLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"gateway.module.duration_ms",
			metric.WithDescription("Observed module processing latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineExecCounter, metricsInitErr = meter.Int64Counter(
			"gateway.pipeline.executions_total",
			metric.WithDescription("Pipeline executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineLatencyHisto, metricsInitErr = meter.Float64Histogram(
			"gateway.pipeline.duration_ms",
			metric.WithDescription("End-to-end pipeline execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		admissionRejectCounter, metricsInitErr = meter.Int64Counter(
			"gateway.pipeline.admission_rejected_total",
			metric.WithDescription("Requests refused before any module ran"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		maintenanceTransitions, metricsInitErr = meter.Int64Counter(
			"gateway.maintenance.transitions_total",
			metric.WithDescription("Maintenance mode transitions by provider"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		healthTransitionCounter, metricsInitErr = meter.Int64Counter(
			"gateway.pipeline.health_transitions_total",
			metric.WithDescription("Changes of cached pipeline health"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordExecutionFailure annotates span with the module that aborted the chain.
func RecordExecutionFailure(span trace.Span, err error) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}

	var execErr *domain.ExecutionError
	if errors.As(err, &execErr) {
		span.AddEvent("pipeline.module_failed", trace.WithAttributes(
			attribute.String("module.id", execErr.ModuleID),
			attribute.String("module.kind", string(execErr.Kind)),
			attribute.Int("module.position", execErr.Position),
		))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
