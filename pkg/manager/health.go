package manager

import (
	"context"
	"fmt"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// HealthCheckAllPipelines checks every managed pipeline and updates its
// cached health. A pipeline is healthy only if every module reports healthy;
// checking stops at the first unhealthy module. Pipelines that are not
// assembled are always unhealthy. A failing or panicking check only affects
// its own pipeline.
func (m *Manager) HealthCheckAllPipelines(ctx context.Context) map[string]domain.Health {
	pipelines := m.GetAllPipelines()
	results := make(map[string]domain.Health, len(pipelines))

	for _, p := range pipelines {
		health, err := m.checkIsolated(ctx, p)
		if err != nil {
			m.logger.Warn("pipeline health check failed",
				"pipeline_id", p.ID,
				"error", err,
			)
		}
		m.applyHealth(ctx, p, health)
		results[p.ID] = health
	}

	m.logger.Debug("health sweep complete", "pipelines", len(pipelines))
	return results
}

// HealthCheckPipeline checks a single pipeline and updates its cached health.
func (m *Manager) HealthCheckPipeline(ctx context.Context, id string) (domain.Health, error) {
	p, ok := m.GetPipeline(id)
	if !ok {
		return domain.HealthUnhealthy, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	health, err := m.checkIsolated(ctx, p)
	m.applyHealth(ctx, p, health)
	return health, err
}

func (m *Manager) checkIsolated(ctx context.Context, p *domain.AssembledPipeline) (health domain.Health, err error) {
	defer func() {
		if r := recover(); r != nil {
			health = domain.HealthUnhealthy
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return checkPipeline(ctx, p)
}

func checkPipeline(ctx context.Context, p *domain.AssembledPipeline) (domain.Health, error) {
	if p.Status() != domain.AssemblyAssembled {
		return domain.HealthUnhealthy, nil
	}
	for _, am := range p.Modules {
		report, err := am.Module.HealthCheck(ctx)
		if err != nil {
			return domain.HealthUnhealthy, fmt.Errorf("module %s: %w", am.Module.ID(), err)
		}
		if !report.Healthy {
			return domain.HealthUnhealthy, nil
		}
	}
	return domain.HealthHealthy, nil
}

// applyHealth stores a health check result. A pipeline under maintenance keeps
// its degraded runtime state; otherwise an unhealthy result moves an active
// pipeline to error and a healthy result brings an errored pipeline back.
func (m *Manager) applyHealth(ctx context.Context, p *domain.AssembledPipeline, health domain.Health) {
	m.mu.Lock()
	st, ok := m.status[p.ID]
	_, paused := m.maintenance[p.ID]
	if !ok || paused {
		m.mu.Unlock()
		return
	}
	switch {
	case health == domain.HealthHealthy && st.Status == domain.RuntimeError:
		st.Status = domain.RuntimeActive
	case health != domain.HealthHealthy && st.Status == domain.RuntimeActive:
		st.Status = domain.RuntimeError
	}
	previous, _ := m.storeHealthLocked(p, health)
	m.mu.Unlock()
	m.notifyHealth(ctx, p, previous, health)
}
