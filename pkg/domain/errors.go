package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Registry and assembly errors.
var (
	ErrModuleNotFound     = errors.New("module not found")
	ErrDuplicateModule    = errors.New("duplicate module")
	ErrInvalidModule      = errors.New("invalid module descriptor")
	ErrRegistryDestroyed  = errors.New("module registry destroyed")
	ErrAssemblerDestroyed = errors.New("pipeline assembler destroyed")
	ErrInvalidRoute       = errors.New("invalid route configuration")
	ErrInvalidLayer       = errors.New("invalid layer configuration")
	ErrNoModuleForKind    = errors.New("no module registered for kind")
)

// Manager errors.
var (
	ErrPipelineNotFound         = errors.New("pipeline not found")
	ErrPipelineNotAssembled     = errors.New("pipeline not assembled")
	ErrPipelineUnderMaintenance = errors.New("pipeline under maintenance")
	ErrManagerDestroyed         = errors.New("pipeline manager destroyed")
	ErrCapacityExceeded         = errors.New("pipeline capacity exceeded")
	ErrMaintenanceLocked        = errors.New("maintenance operation already in progress")
)

// AssemblyError is a configuration problem found while assembling one route.
type AssemblyError struct {
	RouteID    string
	PipelineID string
	Kind       ModuleKind
	Layer      string
	Err        error
}

func (e *AssemblyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "route %q", e.RouteID)
	if e.PipelineID != "" && e.PipelineID != e.RouteID {
		fmt.Fprintf(&b, " (pipeline %q)", e.PipelineID)
	}
	if e.Kind != "" {
		fmt.Fprintf(&b, " layer %s", e.Kind)
	}
	if e.Layer != "" {
		fmt.Fprintf(&b, " [%s]", e.Layer)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *AssemblyError) Unwrap() error {
	return e.Err
}

// ExecutionError wraps a module failure with the identity and chain position of
// the module that raised it.
type ExecutionError struct {
	PipelineID string
	ModuleID   string
	Kind       ModuleKind
	Position   int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline %q: module %q (%s, position %d) failed: %v",
		e.PipelineID, e.ModuleID, e.Kind, e.Position, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// MaintenanceError is returned when admission control rejects a paused pipeline.
type MaintenanceError struct {
	PipelineID string
	Reason     string
}

func (e *MaintenanceError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("pipeline %q is under maintenance", e.PipelineID)
	}
	return fmt.Sprintf("pipeline %q is under maintenance: %s", e.PipelineID, e.Reason)
}

// Is makes errors.Is(err, ErrPipelineUnderMaintenance) match.
func (e *MaintenanceError) Is(target error) bool {
	return target == ErrPipelineUnderMaintenance
}

// IsAdmissionError reports whether err is an expected admission rejection
// (unknown pipeline, not assembled, or paused).
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrPipelineNotFound) ||
		errors.Is(err, ErrPipelineNotAssembled) ||
		errors.Is(err, ErrPipelineUnderMaintenance)
}
