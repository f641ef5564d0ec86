// Package manager owns assembled pipelines after hand-off from the assembler.
//
// The manager executes requests through a pipeline's module chain, keeps a
// runtime status record per pipeline, runs periodic health, cleanup and
// maintenance-recovery sweeps, and implements batch maintenance mode, the
// admission-control switch that pauses a pipeline without tearing it down.
//
// The pipeline, status and maintenance maps are only mutated by the manager.
// Maintenance transitions on one pipeline are serialised by a per-pipeline
// lock; there is no lock spanning pipelines.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/internal/keylock"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/events"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

const (
	DefaultMaxPipelines           = 1000
	DefaultHealthCheckInterval    = 60 * time.Second
	DefaultCleanupInterval        = 300 * time.Second
	DefaultRecoveryInterval       = 60 * time.Second
	DefaultIdleThreshold          = 30 * time.Minute
	DefaultMaintenanceMaxDuration = 30 * time.Minute
)

// Options configures a Manager. Zero values select the defaults above.
type Options struct {
	Logger *slog.Logger
	// MaxPipelines caps AddPipeline. Negative means unlimited.
	MaxPipelines int

	HealthCheckInterval    time.Duration
	CleanupInterval        time.Duration
	RecoveryInterval       time.Duration
	IdleThreshold          time.Duration
	MaintenanceMaxDuration time.Duration

	// BreakerEnabled puts a pipeline into maintenance with reason
	// ReasonCircuitOpen once its failure breaker opens.
	BreakerEnabled bool
	Breaker        governance.BreakerConfig
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxPipelines == 0 {
		o.MaxPipelines = DefaultMaxPipelines
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = DefaultRecoveryInterval
	}
	if o.IdleThreshold <= 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.MaintenanceMaxDuration <= 0 {
		o.MaintenanceMaxDuration = DefaultMaintenanceMaxDuration
	}
	return o
}

// Manager owns a set of assembled pipelines.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu              sync.RWMutex
	pipelines       map[string]*domain.AssembledPipeline
	status          map[string]*domain.RuntimeStatus
	maintenance     map[string]*domain.MaintenanceInfo
	totalExecutions int64
	totalErrors     int64
	startedAt       time.Time
	destroyed       bool

	locks    *keylock.Set
	events   *events.Dispatcher
	breakers *governance.BreakerSet

	schedMu   sync.Mutex
	scheduler *cron.Cron
}

// New creates a manager. Periodic tasks do not run until Start is called.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:        opts,
		logger:      opts.Logger.With("component", "pipeline-manager"),
		now:         time.Now,
		pipelines:   make(map[string]*domain.AssembledPipeline),
		status:      make(map[string]*domain.RuntimeStatus),
		maintenance: make(map[string]*domain.MaintenanceInfo),
		locks:       keylock.New(),
		events:      events.NewDispatcher(opts.Logger),
	}
	m.startedAt = m.now()
	if opts.BreakerEnabled {
		m.breakers = governance.NewBreakerSet(opts.Breaker)
	}
	return m
}

// Subscribe registers a lifecycle listener and returns its unsubscribe func.
func (m *Manager) Subscribe(l events.Listener) func() {
	return m.events.Subscribe(l)
}

func (m *Manager) emit(ctx context.Context, typ events.Type, p *domain.AssembledPipeline, reason string, data map[string]any) {
	event := events.New(typ, p.ID)
	event.Provider = p.Provider
	event.Reason = reason
	event.Data = data
	m.events.Emit(ctx, event)
}

// AddPipeline takes ownership of an assembled pipeline. It returns false
// without mutating anything when the manager is destroyed, full, or already
// manages a pipeline with the same id.
func (m *Manager) AddPipeline(ctx context.Context, p *domain.AssembledPipeline) bool {
	if p == nil || p.ID == "" {
		return false
	}

	m.mu.Lock()
	switch {
	case m.destroyed:
		m.mu.Unlock()
		m.logger.Warn("pipeline rejected: manager destroyed", "pipeline_id", p.ID)
		return false
	case m.opts.MaxPipelines > 0 && len(m.pipelines) >= m.opts.MaxPipelines:
		m.mu.Unlock()
		m.logger.Warn("pipeline rejected: capacity reached",
			"pipeline_id", p.ID,
			"max_pipelines", m.opts.MaxPipelines,
		)
		return false
	}
	if _, exists := m.pipelines[p.ID]; exists {
		m.mu.Unlock()
		m.logger.Warn("pipeline rejected: id already managed", "pipeline_id", p.ID)
		return false
	}
	m.pipelines[p.ID] = p
	m.status[p.ID] = &domain.RuntimeStatus{
		PipelineID: p.ID,
		Status:     domain.RuntimeActive,
		Health:     p.Health(),
		LastUsed:   m.now(),
	}
	m.mu.Unlock()

	m.logger.Info("pipeline added",
		"pipeline_id", p.ID,
		"route", p.RouteName,
		"provider", p.Provider,
		"model", p.Model,
	)
	m.emit(ctx, events.PipelineAdded, p, "", nil)
	return true
}

// GetPipeline returns the managed pipeline with id.
func (m *Manager) GetPipeline(id string) (*domain.AssembledPipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	return p, ok
}

// GetAllPipelines returns every managed pipeline ordered by id.
func (m *Manager) GetAllPipelines() []*domain.AssembledPipeline {
	m.mu.RLock()
	out := make([]*domain.AssembledPipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPipelineStatus returns a copy of the runtime status of id.
func (m *Manager) GetPipelineStatus(id string) (domain.RuntimeStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[id]
	if !ok {
		return domain.RuntimeStatus{}, false
	}
	return *st, true
}

// GetAllPipelineStatus returns a copy of every runtime status keyed by id.
func (m *Manager) GetAllPipelineStatus() map[string]domain.RuntimeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.RuntimeStatus, len(m.status))
	for id, st := range m.status {
		out[id] = *st
	}
	return out
}

// RemovePipeline stops and cleans up every module of id and forgets it.
// Module failures are logged and do not stop the teardown.
func (m *Manager) RemovePipeline(ctx context.Context, id string) bool {
	p, ok := m.detach(id)
	if !ok {
		return false
	}
	m.teardown(ctx, p)
	m.logger.Info("pipeline removed", "pipeline_id", id, "route", p.RouteName)
	m.emit(ctx, events.PipelineRemoved, p, "", nil)
	return true
}

// DestroyPipeline marks id failed and unhealthy, then removes it. Used for
// error-driven teardown.
func (m *Manager) DestroyPipeline(ctx context.Context, id string) bool {
	p, ok := m.detach(id)
	if !ok {
		return false
	}
	p.SetStatus(domain.AssemblyFailed)
	p.SetHealth(domain.HealthUnhealthy)
	p.SetActive(false)
	m.teardown(ctx, p)
	m.logger.Warn("pipeline destroyed", "pipeline_id", id, "route", p.RouteName)
	m.emit(ctx, events.PipelineDestroyed, p, "", nil)
	return true
}

func (m *Manager) detach(id string) (*domain.AssembledPipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, false
	}
	delete(m.pipelines, id)
	delete(m.status, id)
	delete(m.maintenance, id)
	if m.breakers != nil {
		m.breakers.Remove(id)
	}
	return p, true
}

func (m *Manager) teardown(ctx context.Context, p *domain.AssembledPipeline) {
	p.SetActive(false)
	for _, am := range p.Modules {
		if am.Module == nil {
			continue
		}
		if err := am.Module.Stop(ctx); err != nil {
			m.logger.Warn("module stop failed",
				"pipeline_id", p.ID,
				"module_id", am.Module.ID(),
				"error", err,
			)
		}
		if err := am.Module.Cleanup(ctx); err != nil {
			m.logger.Warn("module cleanup failed",
				"pipeline_id", p.ID,
				"module_id", am.Module.ID(),
				"error", err,
			)
		}
	}
}

// StartPipeline starts the modules of id in chain order. When a module fails
// to start, the modules already started are stopped again, the pipeline is
// flagged as errored and the error is returned.
func (m *Manager) StartPipeline(ctx context.Context, id string) error {
	p, ok := m.GetPipeline(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	if p.Status() != domain.AssemblyAssembled {
		return fmt.Errorf("%w: %s is %s", domain.ErrPipelineNotAssembled, id, p.Status())
	}

	for i, am := range p.Modules {
		if err := am.Module.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = p.Modules[j].Module.Stop(ctx)
			}
			m.setRuntimeState(id, domain.RuntimeError)
			m.updateHealth(ctx, p, domain.HealthUnhealthy)
			return &domain.ExecutionError{
				PipelineID: id,
				ModuleID:   am.Module.ID(),
				Kind:       am.Kind,
				Position:   am.Order,
				Err:        fmt.Errorf("start: %w", err),
			}
		}
	}

	p.SetActive(true)
	m.logger.Debug("pipeline started", "pipeline_id", id, "modules", len(p.Modules))
	m.emit(ctx, events.PipelineStarted, p, "", nil)
	return nil
}

func (m *Manager) setRuntimeState(id string, state domain.RuntimeState) {
	m.mu.Lock()
	if st, ok := m.status[id]; ok {
		st.Status = state
	}
	m.mu.Unlock()
}

// UpdatePipelineHealth sets the cached health of id on both the status record
// and the pipeline.
func (m *Manager) UpdatePipelineHealth(ctx context.Context, id string, health domain.Health) bool {
	p, ok := m.GetPipeline(id)
	if !ok {
		return false
	}
	m.updateHealth(ctx, p, health)
	return true
}

func (m *Manager) updateHealth(ctx context.Context, p *domain.AssembledPipeline, health domain.Health) {
	m.mu.Lock()
	previous, ok := m.storeHealthLocked(p, health)
	m.mu.Unlock()
	if ok {
		m.notifyHealth(ctx, p, previous, health)
	}
}

// storeHealthLocked writes health to the status record and the pipeline. It
// must be called with m.mu held.
func (m *Manager) storeHealthLocked(p *domain.AssembledPipeline, health domain.Health) (domain.Health, bool) {
	st, ok := m.status[p.ID]
	if !ok {
		return "", false
	}
	previous := st.Health
	st.Health = health
	p.SetHealth(health)
	return previous, true
}

func (m *Manager) notifyHealth(ctx context.Context, p *domain.AssembledPipeline, previous, health domain.Health) {
	if previous == health {
		return
	}
	telemetry.RecordHealthTransition(ctx, p.ID, previous, health)
	m.emit(ctx, events.HealthChanged, p, "", map[string]any{
		"from": string(previous),
		"to":   string(health),
	})
}

// RecordPipelineExecution folds one execution into the statistics of id.
// The running mean covers successful executions only.
func (m *Manager) RecordPipelineExecution(id string, elapsed time.Duration, execErr error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[id]
	if !ok {
		return false
	}
	st.ExecutionCount++
	st.LastUsed = m.now()
	m.totalExecutions++
	if execErr != nil {
		st.ErrorCount++
		m.totalErrors++
		return true
	}
	st.RecordSuccess(elapsed)
	return true
}

// Statistics aggregates the manager's counters.
type Statistics struct {
	TotalPipelines       int           `json:"totalPipelines"`
	ActivePipelines      int           `json:"activePipelines"`
	HealthyPipelines     int           `json:"healthyPipelines"`
	MaintenancePipelines int           `json:"maintenancePipelines"`
	TotalExecutions      int64         `json:"totalExecutions"`
	TotalErrors          int64         `json:"totalErrors"`
	AverageResponseTime  time.Duration `json:"averageResponseTime"`
	Uptime               time.Duration `json:"uptime"`
	StartedAt            time.Time     `json:"startedAt"`
}

// BreakerStats returns the failure breaker counts per pipeline, or nil when
// breakers are disabled.
func (m *Manager) BreakerStats() map[string]governance.BreakerStats {
	if m.breakers == nil {
		return nil
	}
	return m.breakers.Stats()
}

// GetStatistics returns aggregate counts across every managed pipeline.
func (m *Manager) GetStatistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Statistics{
		TotalPipelines:       len(m.pipelines),
		MaintenancePipelines: len(m.maintenance),
		TotalExecutions:      m.totalExecutions,
		TotalErrors:          m.totalErrors,
		Uptime:               m.now().Sub(m.startedAt),
		StartedAt:            m.startedAt,
	}
	var successes int64
	var total time.Duration
	for _, st := range m.status {
		if st.Status == domain.RuntimeActive {
			stats.ActivePipelines++
		}
		if st.Health == domain.HealthHealthy {
			stats.HealthyPipelines++
		}
		successes += st.SuccessCount
		total += st.TotalResponseTime
	}
	if successes > 0 {
		stats.AverageResponseTime = total / time.Duration(successes)
	}
	return stats
}

// Destroy stops the periodic tasks and tears down every pipeline. Later
// AddPipeline calls are rejected and executions fail with ErrManagerDestroyed.
func (m *Manager) Destroy(ctx context.Context) error {
	m.stopScheduler()

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	m.mu.Unlock()

	m.removeAll(ctx)
	m.logger.Info("pipeline manager destroyed")
	return nil
}

// Reset tears down every pipeline, zeroes all counters and restarts the
// periodic tasks if they were running.
func (m *Manager) Reset(ctx context.Context) error {
	wasRunning := m.stopScheduler()
	m.removeAll(ctx)

	m.mu.Lock()
	m.totalExecutions = 0
	m.totalErrors = 0
	m.startedAt = m.now()
	m.destroyed = false
	m.mu.Unlock()
	if m.breakers != nil {
		m.breakers.ResetAll()
	}

	m.logger.Info("pipeline manager reset")
	if wasRunning {
		return m.Start(ctx)
	}
	return nil
}

func (m *Manager) removeAll(ctx context.Context) {
	for _, p := range m.GetAllPipelines() {
		m.RemovePipeline(ctx, p.ID)
	}
}

func (m *Manager) isDestroyed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destroyed
}

// Destroyed reports whether Destroy has been called since the last Reset.
func (m *Manager) Destroyed() bool {
	return m.isDestroyed()
}
