package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// ReasonCircuitOpen is the maintenance reason used when a pipeline's failure
// breaker opens.
const ReasonCircuitOpen = "circuit-open"

var errNoOutput = errors.New("module returned no output")

// ExecutePipeline threads req through the module chain of id in kind order.
//
// Admission is checked before any module runs: an unknown id fails with
// ErrPipelineNotFound, a pipeline that is not assembled with
// ErrPipelineNotAssembled, and a pipeline under maintenance with a
// *domain.MaintenanceError. The first module failure aborts the chain and is
// returned as a *domain.ExecutionError. Statistics are recorded either way.
func (m *Manager) ExecutePipeline(ctx context.Context, id string, req *domain.Payload) (*domain.Payload, error) {
	p, err := m.admit(id)
	if err != nil {
		m.logger.Debug("execution rejected", "pipeline_id", id, "reason", err)
		telemetry.RecordAdmissionRejected(ctx, id, err)
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("pipeline.id", p.ID)),
		trace.WithAttributes(telemetry.RouteAttributes(p.RouteID, p.RouteName, p.Provider, p.Model, p.Endpoint, p.CredentialRef)...),
	)
	defer span.End()

	current := req.Clone()
	if current.RequestID == "" {
		current.RequestID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("request.id", current.RequestID))

	start := time.Now()
	out, execErr := m.runChain(ctx, p, current)
	elapsed := time.Since(start)

	m.RecordPipelineExecution(p.ID, elapsed, execErr)

	outcome := telemetry.OutcomeSuccess
	if execErr != nil {
		outcome = telemetry.OutcomeError
		telemetry.RecordExecutionFailure(span, execErr)
		m.logger.Warn("pipeline execution failed",
			"pipeline_id", p.ID,
			"request_id", current.RequestID,
			"duration", elapsed,
			"error", execErr,
		)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	telemetry.RecordPipelineMetrics(ctx, telemetry.PipelineMetrics{
		PipelineID: p.ID,
		RouteName:  p.RouteName,
		Provider:   p.Provider,
		Model:      p.Model,
		Outcome:    outcome,
		Duration:   elapsed,
	})

	m.feedBreaker(ctx, p, execErr)

	if execErr != nil {
		return nil, execErr
	}
	return out, nil
}

func (m *Manager) admit(id string) (*domain.AssembledPipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return nil, domain.ErrManagerDestroyed
	}
	p, ok := m.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	if status := p.Status(); status != domain.AssemblyAssembled {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrPipelineNotAssembled, id, status)
	}
	if info, paused := m.maintenance[id]; paused {
		return nil, &domain.MaintenanceError{PipelineID: id, Reason: info.Reason}
	}
	return p, nil
}

func (m *Manager) runChain(ctx context.Context, p *domain.AssembledPipeline, in *domain.Payload) (*domain.Payload, error) {
	current := in
	for _, am := range p.Modules {
		out, err := m.runModule(ctx, p, am, current)
		if err != nil {
			return nil, &domain.ExecutionError{
				PipelineID: p.ID,
				ModuleID:   am.Module.ID(),
				Kind:       am.Kind,
				Position:   am.Order,
				Err:        err,
			}
		}
		current = out
	}
	return current, nil
}

func (m *Manager) runModule(ctx context.Context, p *domain.AssembledPipeline, am domain.AssembledModule, in *domain.Payload) (out *domain.Payload, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.module",
		trace.WithAttributes(
			attribute.String("module.id", am.Module.ID()),
			attribute.String("module.kind", string(am.Kind)),
			attribute.Int("module.position", am.Order),
		),
	)
	start := time.Now()
	defer func() {
		outcome := telemetry.OutcomeSuccess
		if err != nil {
			outcome = telemetry.OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		telemetry.RecordModuleMetrics(ctx, telemetry.ModuleMetrics{
			PipelineID: p.ID,
			Provider:   p.Provider,
			ModuleID:   am.Module.ID(),
			Kind:       am.Kind,
			Version:    am.Module.Version(),
			Position:   am.Order,
			Outcome:    outcome,
			Duration:   time.Since(start),
		})
		span.End()
	}()

	out, err = am.Module.Process(ctx, in)
	if err == nil && out == nil {
		err = errNoOutput
	}
	return out, err
}

// feedBreaker records the outcome on the pipeline's breaker and pauses the
// pipeline when the breaker opens.
func (m *Manager) feedBreaker(ctx context.Context, p *domain.AssembledPipeline, execErr error) {
	if m.breakers == nil {
		return
	}
	if !m.breakers.Get(p.ID).Record(execErr) {
		return
	}
	m.logger.Warn("failure breaker opened, pausing pipeline",
		"pipeline_id", p.ID,
		"provider", p.Provider,
	)
	var err error
	m.locks.Do(p.ID, true, func() {
		err = m.setMaintenance(ctx, p.ID, ReasonCircuitOpen, 0)
	})
	if err != nil {
		m.logger.Warn("pausing pipeline failed", "pipeline_id", p.ID, "error", err)
	}
}
