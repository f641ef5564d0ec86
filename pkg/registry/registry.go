// Package registry catalogs the processing-module implementations available to
// the pipeline assembler and picks the best match for a route layer.
//
// Implementations are registered explicitly, usually from an init function in
// the package that defines them:
//
//	func init() {
//	    registry.MustRegister(registry.Descriptor{
//	        ID:      "http-transport",
//	        Kind:    domain.KindTransport,
//	        Version: "v1",
//	        Factory: NewHTTPTransport,
//	    })
//	}
//
// Factories must be side-effect free: no network calls and no credential
// validation. Assembly runs before any upstream is reachable.
package registry

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Factory produces a configured module instance from merged route and layer configuration.
type Factory func(cfg map[string]any) (domain.Module, error)

// Descriptor is a registry entry for one module implementation.
type Descriptor struct {
	ID      string
	Name    string
	Kind    domain.ModuleKind
	Version string
	// Providers lists provider identifiers this implementation is specialised for.
	Providers []string
	Factory   Factory
	Active    bool
}

// Matches reports whether the descriptor references provider in its ID, name
// or provider hints (case-insensitive substring).
func (d Descriptor) Matches(provider string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return false
	}
	if strings.Contains(strings.ToLower(d.ID), provider) || strings.Contains(strings.ToLower(d.Name), provider) {
		return true
	}
	for _, hint := range d.Providers {
		if strings.Contains(strings.ToLower(hint), provider) {
			return true
		}
	}
	return false
}

// Stats summarises registry contents.
type Stats struct {
	Total  int                       `json:"total"`
	Active int                       `json:"active"`
	ByKind map[domain.ModuleKind]int `json:"byKind"`
}

// Registry stores descriptors keyed by ID and preserves registration order.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
	order       []string
	destroyed   bool
	logger      *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		descriptors: make(map[string]*Descriptor),
		logger:      logger,
	}
}

// Register adds a descriptor. Registered descriptors start active.
func (r *Registry) Register(desc Descriptor) error {
	desc.ID = strings.TrimSpace(desc.ID)
	if desc.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidModule)
	}
	if !desc.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", domain.ErrInvalidModule, desc.ID, desc.Kind)
	}
	if desc.Factory == nil {
		return fmt.Errorf("%w: %s has no factory", domain.ErrInvalidModule, desc.ID)
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	desc.Active = true

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return domain.ErrRegistryDestroyed
	}
	if _, exists := r.descriptors[desc.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateModule, desc.ID)
	}
	r.descriptors[desc.ID] = &desc
	r.order = append(r.order, desc.ID)

	r.logger.Debug("module registered",
		"module_id", desc.ID,
		"kind", desc.Kind,
		"version", desc.Version,
	)
	return nil
}

// Lookup returns the active descriptors of kind in registration order.
func (r *Registry) Lookup(kind domain.ModuleKind) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, id := range r.order {
		desc := r.descriptors[id]
		if desc.Kind == kind && desc.Active {
			out = append(out, *desc)
		}
	}
	return out
}

// Get returns the descriptor registered under id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[id]
	if !ok {
		return Descriptor{}, false
	}
	return *desc, true
}

// Instantiate invokes the factory of descriptor id with cfg.
func (r *Registry) Instantiate(id string, cfg map[string]any) (domain.Module, error) {
	r.mu.RLock()
	destroyed := r.destroyed
	desc, ok := r.descriptors[id]
	r.mu.RUnlock()

	if destroyed {
		return nil, domain.ErrRegistryDestroyed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, id)
	}

	module, err := desc.Factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", id, err)
	}
	if module == nil {
		return nil, fmt.Errorf("%w: factory for %s returned nil", domain.ErrInvalidModule, id)
	}
	if module.Kind() != desc.Kind {
		return nil, fmt.Errorf("%w: %s produced a %s module, registered as %s",
			domain.ErrInvalidModule, id, module.Kind(), desc.Kind)
	}
	return module, nil
}

// SetActive toggles the activation flag of a descriptor.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.descriptors[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrModuleNotFound, id)
	}
	desc.Active = active
	return nil
}

// Stats returns descriptor counts by kind.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{ByKind: make(map[domain.ModuleKind]int, len(domain.KindOrder))}
	for _, kind := range domain.KindOrder {
		stats.ByKind[kind] = 0
	}
	for _, desc := range r.descriptors {
		stats.Total++
		stats.ByKind[desc.Kind]++
		if desc.Active {
			stats.Active++
		}
	}
	return stats
}

// Destroy releases the catalog. Later registrations and instantiations fail.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	r.descriptors = make(map[string]*Descriptor)
	r.order = nil
}
