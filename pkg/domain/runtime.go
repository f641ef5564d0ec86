package domain

import "time"

// RuntimeState is the manager-side lifecycle state of a pipeline.
type RuntimeState string

const (
	RuntimeActive   RuntimeState = "active"
	RuntimeInactive RuntimeState = "inactive"
	RuntimeError    RuntimeState = "error"
	RuntimeStopped  RuntimeState = "stopped"
)

// RuntimeStatus is the manager-owned execution record of one pipeline. It lives
// exactly as long as the pipeline is managed.
type RuntimeStatus struct {
	PipelineID          string        `json:"pipelineId"`
	Status              RuntimeState  `json:"status"`
	Health              Health        `json:"health"`
	LastUsed            time.Time     `json:"lastUsed"`
	ExecutionCount      int64         `json:"executionCount"`
	ErrorCount          int64         `json:"errorCount"`
	SuccessCount        int64         `json:"successCount"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	TotalResponseTime   time.Duration `json:"-"`
}

// RecordSuccess folds one successful response time into the running mean.
func (s *RuntimeStatus) RecordSuccess(elapsed time.Duration) {
	s.SuccessCount++
	s.TotalResponseTime += elapsed
	s.AverageResponseTime = s.TotalResponseTime / time.Duration(s.SuccessCount)
}

// MaintenanceInfo records why and since when a pipeline is paused.
type MaintenanceInfo struct {
	PipelineID        string        `json:"pipelineId"`
	Provider          string        `json:"provider"`
	Reason            string        `json:"reason"`
	Since             time.Time     `json:"since"`
	EstimatedDuration time.Duration `json:"estimatedDuration,omitempty"`
}

// Elapsed returns how long the pipeline has been under maintenance at now.
func (m MaintenanceInfo) Elapsed(now time.Time) time.Duration {
	return now.Sub(m.Since)
}
