package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/events"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// DefaultMaintenanceReason is used when a caller sets maintenance without a reason.
const DefaultMaintenanceReason = "auth"

// MaintenanceOptions tunes a batch maintenance operation.
type MaintenanceOptions struct {
	// Force skips the per-pipeline lock. The caller accepts racing with an
	// operation already in progress on the same pipeline.
	Force bool `json:"force,omitempty"`
	// SkipHealthCheck restores a cleared pipeline straight to healthy instead
	// of re-running its health check.
	SkipHealthCheck   bool          `json:"skipHealthCheck,omitempty"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
}

// BatchResult reports a batch maintenance operation. Success and Failed keep
// the order of the requested ids.
type BatchResult struct {
	Success []string          `json:"success"`
	Failed  []string          `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// RecoveryResult reports an auto-recovery sweep.
type RecoveryResult struct {
	Recovered          []string `json:"recovered"`
	StillInMaintenance []string `json:"stillInMaintenance"`
}

// SetAuthMaintenanceMode pauses every pipeline in ids. Each id is handled
// independently and concurrently; one failure never affects the others.
func (m *Manager) SetAuthMaintenanceMode(ctx context.Context, ids []string, reason string, opts MaintenanceOptions) BatchResult {
	if strings.TrimSpace(reason) == "" {
		reason = DefaultMaintenanceReason
	}
	return m.batch(ids, opts.Force, func(id string) error {
		return m.setMaintenance(ctx, id, reason, opts.EstimatedDuration)
	})
}

// ClearAuthMaintenanceMode resumes every pipeline in ids and, unless
// opts.SkipHealthCheck is set, re-runs its health check.
func (m *Manager) ClearAuthMaintenanceMode(ctx context.Context, ids []string, opts MaintenanceOptions) BatchResult {
	return m.batch(ids, opts.Force, func(id string) error {
		return m.clearMaintenance(ctx, id, opts.SkipHealthCheck, false)
	})
}

// ForceMaintenanceModeForProvider pauses every pipeline routed to provider,
// bypassing the per-pipeline locks.
func (m *Manager) ForceMaintenanceModeForProvider(ctx context.Context, provider, reason string) BatchResult {
	var ids []string
	for _, p := range m.GetAllPipelines() {
		if strings.EqualFold(p.Provider, provider) {
			ids = append(ids, p.ID)
		}
	}
	m.logger.Warn("forcing maintenance for provider",
		"provider", provider,
		"reason", reason,
		"pipelines", len(ids),
	)
	return m.SetAuthMaintenanceMode(ctx, ids, reason, MaintenanceOptions{Force: true})
}

func (m *Manager) batch(ids []string, force bool, op func(id string) error) BatchResult {
	ids = dedupe(ids)
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			ran := m.locks.Do(id, force, func() {
				errs[i] = op(id)
			})
			if !ran {
				errs[i] = fmt.Errorf("%w: %s", domain.ErrMaintenanceLocked, id)
			}
		}(i, id)
	}
	wg.Wait()

	result := BatchResult{Success: []string{}, Failed: []string{}}
	for i, id := range ids {
		if errs[i] == nil {
			result.Success = append(result.Success, id)
			continue
		}
		result.Failed = append(result.Failed, id)
		if result.Errors == nil {
			result.Errors = make(map[string]string)
		}
		result.Errors[id] = errs[i].Error()
	}
	return result
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// setMaintenance must run under the pipeline's key lock or with force.
func (m *Manager) setMaintenance(ctx context.Context, id, reason string, estimated time.Duration) error {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	info, already := m.maintenance[id]
	if already {
		info.Reason = reason
		if estimated > 0 {
			info.EstimatedDuration = estimated
		}
	} else {
		m.maintenance[id] = &domain.MaintenanceInfo{
			PipelineID:        id,
			Provider:          p.Provider,
			Reason:            reason,
			Since:             m.now(),
			EstimatedDuration: estimated,
		}
	}
	if st, ok := m.status[id]; ok {
		st.Status = domain.RuntimeInactive
	}
	previous, stored := m.storeHealthLocked(p, domain.HealthDegraded)
	m.mu.Unlock()

	if stored {
		m.notifyHealth(ctx, p, previous, domain.HealthDegraded)
	}

	m.logger.Info("pipeline entered maintenance",
		"pipeline_id", id,
		"provider", p.Provider,
		"reason", reason,
	)
	telemetry.RecordMaintenanceTransition(ctx, p.Provider, "set")
	m.emit(ctx, events.MaintenanceSet, p, reason, nil)
	return nil
}

// clearMaintenance must run under the pipeline's key lock or with force.
// Clearing a pipeline that is not under maintenance succeeds without effect.
func (m *Manager) clearMaintenance(ctx context.Context, id string, skipHealthCheck, recovered bool) error {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	info, paused := m.maintenance[id]
	if !paused {
		m.mu.Unlock()
		return nil
	}
	delete(m.maintenance, id)
	if st, ok := m.status[id]; ok {
		st.Status = domain.RuntimeActive
	}
	m.mu.Unlock()

	if m.breakers != nil {
		m.breakers.Remove(id)
	}

	if skipHealthCheck {
		m.updateHealth(ctx, p, domain.HealthHealthy)
	} else if _, err := m.HealthCheckPipeline(ctx, id); err != nil {
		m.logger.Warn("health check after maintenance failed", "pipeline_id", id, "error", err)
	}

	typ, transition := events.MaintenanceCleared, "clear"
	if recovered {
		typ, transition = events.MaintenanceRecovered, "recover"
	}
	m.logger.Info("pipeline left maintenance",
		"pipeline_id", id,
		"provider", p.Provider,
		"reason", info.Reason,
		"elapsed", info.Elapsed(m.now()),
		"auto_recovered", recovered,
	)
	telemetry.RecordMaintenanceTransition(ctx, p.Provider, transition)
	m.emit(ctx, typ, p, info.Reason, map[string]any{"elapsed": info.Elapsed(m.now()).String()})
	return nil
}

// CheckAndRecoverFromMaintenance clears every maintenance entry that has been
// open for at least maxDuration. Entries whose lock is held by an operation in
// progress are left for the next sweep.
func (m *Manager) CheckAndRecoverFromMaintenance(ctx context.Context, maxDuration time.Duration) RecoveryResult {
	now := m.now()
	m.mu.RLock()
	var due, waiting []string
	for id, info := range m.maintenance {
		if info.Elapsed(now) >= maxDuration {
			due = append(due, id)
		} else {
			waiting = append(waiting, id)
		}
	}
	m.mu.RUnlock()

	result := RecoveryResult{Recovered: []string{}, StillInMaintenance: waiting}
	for _, id := range due {
		var err error
		ran := m.locks.Do(id, false, func() {
			err = m.clearMaintenance(ctx, id, false, true)
		})
		switch {
		case !ran:
			result.StillInMaintenance = append(result.StillInMaintenance, id)
		case err != nil:
			m.logger.Warn("maintenance recovery failed", "pipeline_id", id, "error", err)
		default:
			result.Recovered = append(result.Recovered, id)
		}
	}
	if result.StillInMaintenance == nil {
		result.StillInMaintenance = []string{}
	}
	sort.Strings(result.Recovered)
	sort.Strings(result.StillInMaintenance)

	if len(result.Recovered) > 0 {
		m.logger.Info("pipelines recovered from maintenance",
			"recovered", result.Recovered,
			"still_in_maintenance", len(result.StillInMaintenance),
		)
	}
	return result
}

// MaintenanceEntry is one open maintenance record with derived fields.
type MaintenanceEntry struct {
	domain.MaintenanceInfo
	Elapsed time.Duration `json:"elapsed"`
	Locked  bool          `json:"locked"`
}

// MaintenanceStats groups open maintenance entries.
type MaintenanceStats struct {
	Total      int               `json:"total"`
	ByProvider map[string]int    `json:"byProvider"`
	ByReason   map[string]int    `json:"byReason"`
	Oldest     *MaintenanceEntry `json:"oldest,omitempty"`
}

// GetFullMaintenanceStatus lists every open maintenance entry, oldest first.
func (m *Manager) GetFullMaintenanceStatus() []MaintenanceEntry {
	now := m.now()
	m.mu.RLock()
	out := make([]MaintenanceEntry, 0, len(m.maintenance))
	for id, info := range m.maintenance {
		out = append(out, MaintenanceEntry{
			MaintenanceInfo: *info,
			Elapsed:         info.Elapsed(now),
			Locked:          m.locks.Held(id),
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].PipelineID < out[j].PipelineID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// GetMaintenanceStatusStats counts open maintenance entries by provider and
// reason and surfaces the oldest one.
func (m *Manager) GetMaintenanceStatusStats() MaintenanceStats {
	entries := m.GetFullMaintenanceStatus()
	stats := MaintenanceStats{
		Total:      len(entries),
		ByProvider: make(map[string]int),
		ByReason:   make(map[string]int),
	}
	for _, e := range entries {
		stats.ByProvider[e.Provider]++
		stats.ByReason[e.Reason]++
	}
	if len(entries) > 0 {
		oldest := entries[0]
		stats.Oldest = &oldest
	}
	return stats
}

// InMaintenance reports whether id is currently paused.
func (m *Manager) InMaintenance(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.maintenance[id]
	return ok
}
