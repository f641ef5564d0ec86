package domain

import (
	"sync"
	"time"
)

// AssemblyStatus tracks a pipeline through assembly. assembled and failed are terminal.
type AssemblyStatus string

const (
	AssemblyPending    AssemblyStatus = "pending"
	AssemblyAssembling AssemblyStatus = "assembling"
	AssemblyAssembled  AssemblyStatus = "assembled"
	AssemblyFailed     AssemblyStatus = "failed"
)

// Health is the aggregate health of a pipeline.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// AssembledModule is one configured module bound into a pipeline chain.
// Neighbours are derived from Order by the owning pipeline.
type AssembledModule struct {
	Order  int
	Kind   ModuleKind
	Name   string
	Config map[string]any
	Module Module
}

// AssembledPipeline is an ordered chain of exactly one module per kind bound to
// a single provider/model target. After hand-off only the manager mutates its
// status and health.
type AssembledPipeline struct {
	ID            string
	RouteID       string
	RouteName     string
	Provider      string
	Model         string
	Endpoint      string
	CredentialRef string
	Timeout       time.Duration
	MaxRetries    int
	Modules       []AssembledModule
	CreatedAt     time.Time

	mu     sync.RWMutex
	status AssemblyStatus
	errors []error
	active bool
	health Health
}

// NewAssembledPipeline initializes a pending pipeline from a route target,
// copying the routing metadata verbatim.
func NewAssembledPipeline(id string, route RouteConfig) *AssembledPipeline {
	return &AssembledPipeline{
		ID:            id,
		RouteID:       route.ID,
		RouteName:     route.RouteName,
		Provider:      route.Provider,
		Model:         route.Model,
		Endpoint:      route.Endpoint,
		CredentialRef: route.CredentialRef,
		Timeout:       route.Timeout,
		MaxRetries:    route.MaxRetries,
		CreatedAt:     time.Now(),
		status:        AssemblyPending,
		health:        HealthHealthy,
	}
}

// Status returns the assembly status.
func (p *AssembledPipeline) Status() AssemblyStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetStatus moves the pipeline to a new assembly status.
func (p *AssembledPipeline) SetStatus(status AssemblyStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// Health returns the cached health value.
func (p *AssembledPipeline) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// SetHealth updates the cached health value.
func (p *AssembledPipeline) SetHealth(health Health) {
	p.mu.Lock()
	p.health = health
	p.mu.Unlock()
}

// Active reports the activity flag.
func (p *AssembledPipeline) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// SetActive sets the activity flag.
func (p *AssembledPipeline) SetActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

// AddError records an assembly-time error.
func (p *AssembledPipeline) AddError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.errors = append(p.errors, err)
	p.mu.Unlock()
}

// Errors returns a copy of the assembly-time errors.
func (p *AssembledPipeline) Errors() []error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]error, len(p.errors))
	copy(out, p.errors)
	return out
}

// Previous returns the module before position i, or nil for the first module.
func (p *AssembledPipeline) Previous(i int) *AssembledModule {
	if i <= 0 || i > len(p.Modules) {
		return nil
	}
	return &p.Modules[i-1]
}

// Next returns the module after position i, or nil for the last module.
func (p *AssembledPipeline) Next(i int) *AssembledModule {
	if i < 0 || i+1 >= len(p.Modules) {
		return nil
	}
	return &p.Modules[i+1]
}

// Module returns the module of the given kind, if present.
func (p *AssembledPipeline) Module(kind ModuleKind) *AssembledModule {
	for i := range p.Modules {
		if p.Modules[i].Kind == kind {
			return &p.Modules[i]
		}
	}
	return nil
}

// PipelineSummary is a serializable view of a pipeline.
type PipelineSummary struct {
	ID        string          `json:"id"`
	RouteID   string          `json:"routeId"`
	RouteName string          `json:"routeName"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Status    AssemblyStatus  `json:"status"`
	Health    Health          `json:"health"`
	Active    bool            `json:"active"`
	Modules   []ModuleSummary `json:"modules"`
	Errors    []string        `json:"errors,omitempty"`
}

// ModuleSummary is a serializable view of one chain element.
type ModuleSummary struct {
	Order   int          `json:"order"`
	Kind    ModuleKind   `json:"kind"`
	Name    string       `json:"name"`
	ID      string       `json:"id"`
	Version string       `json:"version"`
	Status  ModuleStatus `json:"status"`
}

// Summary builds a serializable snapshot of the pipeline.
func (p *AssembledPipeline) Summary() PipelineSummary {
	summary := PipelineSummary{
		ID:        p.ID,
		RouteID:   p.RouteID,
		RouteName: p.RouteName,
		Provider:  p.Provider,
		Model:     p.Model,
		Endpoint:  p.Endpoint,
		Status:    p.Status(),
		Health:    p.Health(),
		Active:    p.Active(),
		Modules:   make([]ModuleSummary, 0, len(p.Modules)),
	}
	for _, m := range p.Modules {
		ms := ModuleSummary{Order: m.Order, Kind: m.Kind, Name: m.Name}
		if m.Module != nil {
			ms.ID = m.Module.ID()
			ms.Version = m.Module.Version()
			ms.Status = m.Module.Status()
		}
		summary.Modules = append(summary.Modules, ms)
	}
	for _, err := range p.Errors() {
		summary.Errors = append(summary.Errors, err.Error())
	}
	return summary
}
