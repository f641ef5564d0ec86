package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Start schedules the periodic health check, idle cleanup and maintenance
// recovery tasks. Calling Start on a running manager is a no-op. Tasks run
// with the values of ctx but are not cancelled by it; use Destroy to stop them.
func (m *Manager) Start(ctx context.Context) error {
	if m.isDestroyed() {
		return domain.ErrManagerDestroyed
	}

	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.scheduler != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	jobCtx := context.WithoutCancel(ctx)

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"health-check", m.opts.HealthCheckInterval, func(ctx context.Context) {
			m.HealthCheckAllPipelines(ctx)
		}},
		{"idle-cleanup", m.opts.CleanupInterval, func(ctx context.Context) {
			m.CleanupInactivePipelines(ctx, m.opts.IdleThreshold)
		}},
		{"maintenance-recovery", m.opts.RecoveryInterval, func(ctx context.Context) {
			m.CheckAndRecoverFromMaintenance(ctx, m.opts.MaintenanceMaxDuration)
		}},
	}
	for _, job := range jobs {
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := c.AddFunc(spec, func() { job.run(jobCtx) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	c.Start()
	m.scheduler = c
	m.logger.Info("periodic tasks started",
		"health_check_interval", m.opts.HealthCheckInterval,
		"cleanup_interval", m.opts.CleanupInterval,
		"recovery_interval", m.opts.RecoveryInterval,
	)
	return nil
}

// stopScheduler stops the periodic tasks, waits for running jobs and reports
// whether the scheduler was running.
func (m *Manager) stopScheduler() bool {
	m.schedMu.Lock()
	c := m.scheduler
	m.scheduler = nil
	m.schedMu.Unlock()
	if c == nil {
		return false
	}
	<-c.Stop().Done()
	m.logger.Debug("periodic tasks stopped")
	return true
}

// Running reports whether the periodic tasks are scheduled.
func (m *Manager) Running() bool {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	return m.scheduler != nil
}

// CleanupInactivePipelines destroys pipelines that have not executed for
// longer than threshold. Pipelines under maintenance are kept, as they are
// paused rather than idle. It returns the removed ids in order.
func (m *Manager) CleanupInactivePipelines(ctx context.Context, threshold time.Duration) []string {
	now := m.now()
	m.mu.RLock()
	var idle []string
	for id, st := range m.status {
		if _, paused := m.maintenance[id]; paused {
			continue
		}
		if now.Sub(st.LastUsed) > threshold {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(idle)

	removed := make([]string, 0, len(idle))
	for _, id := range idle {
		if m.RemovePipeline(ctx, id) {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.logger.Info("idle pipelines cleaned up",
			"removed", removed,
			"threshold", threshold,
		)
	}
	return removed
}

// TelemetrySnapshot exports the manager state for the Prometheus collector.
func (m *Manager) TelemetrySnapshot() telemetry.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := telemetry.Snapshot{
		Uptime:                m.now().Sub(m.startedAt),
		TotalExecutions:       m.totalExecutions,
		TotalErrors:           m.totalErrors,
		Pipelines:             make([]telemetry.PipelineSnapshot, 0, len(m.pipelines)),
		MaintenanceByProvider: make(map[string]int),
	}
	for id, p := range m.pipelines {
		st := m.status[id]
		_, paused := m.maintenance[id]
		snap.Pipelines = append(snap.Pipelines, telemetry.PipelineSnapshot{
			ID:              id,
			RouteName:       p.RouteName,
			Provider:        p.Provider,
			Executions:      st.ExecutionCount,
			Errors:          st.ErrorCount,
			AverageResponse: st.AverageResponseTime,
			Healthy:         st.Health == domain.HealthHealthy,
			Active:          st.Status == domain.RuntimeActive,
			Maintenance:     paused,
		})
	}
	for _, info := range m.maintenance {
		snap.MaintenanceByProvider[info.Provider]++
	}
	sort.Slice(snap.Pipelines, func(i, j int) bool { return snap.Pipelines[i].ID < snap.Pipelines[j].ID })
	return snap
}
