package registry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Strategy picks and instantiates a module for one layer of a route.
type Strategy interface {
	// Select returns (nil, nil) when no descriptor of kind is registered at all.
	Select(kind domain.ModuleKind, route domain.RouteConfig, layer domain.LayerConfig) (domain.Module, error)
	ValidateCompatibility(modules []domain.Module) bool
}

// ProviderMatchStrategy prefers descriptors that reference the route provider
// and falls back to the first registered descriptor of the kind.
type ProviderMatchStrategy struct {
	registry *Registry
	logger   *slog.Logger
}

// NewProviderMatchStrategy creates a strategy backed by registry.
func NewProviderMatchStrategy(registry *Registry, logger *slog.Logger) *ProviderMatchStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderMatchStrategy{registry: registry, logger: logger}
}

// Select implements Strategy.
func (s *ProviderMatchStrategy) Select(kind domain.ModuleKind, route domain.RouteConfig, layer domain.LayerConfig) (domain.Module, error) {
	candidates := s.registry.Lookup(kind)
	if len(candidates) == 0 {
		return nil, nil
	}

	chosen, err := s.choose(kind, candidates, route, layer)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("module selected",
		"kind", kind,
		"module_id", chosen.ID,
		"provider", route.Provider,
		"route_id", route.ID,
	)

	return s.registry.Instantiate(chosen.ID, MergeConfig(route, layer))
}

func (s *ProviderMatchStrategy) choose(kind domain.ModuleKind, candidates []Descriptor, route domain.RouteConfig, layer domain.LayerConfig) (Descriptor, error) {
	// An explicit module pin wins over provider matching.
	if pinned := strings.TrimSpace(layer.Module); pinned != "" {
		for _, desc := range candidates {
			if desc.ID == pinned || strings.EqualFold(desc.Name, pinned) {
				return desc, nil
			}
		}
		return Descriptor{}, fmt.Errorf("%w: %s module %q", domain.ErrModuleNotFound, kind, pinned)
	}

	if route.Provider != "" {
		for _, desc := range candidates {
			if desc.Matches(route.Provider) {
				return desc, nil
			}
		}
	}
	return candidates[0], nil
}

// ValidateCompatibility is true only for a non-empty chain in which no module
// reports an error status. It never touches the network.
func (s *ProviderMatchStrategy) ValidateCompatibility(modules []domain.Module) bool {
	if len(modules) == 0 {
		return false
	}
	for _, m := range modules {
		if m == nil || m.Status() == domain.ModuleStatusError {
			return false
		}
	}
	return true
}

// MergeConfig overlays a layer's configuration on the route metadata.
func MergeConfig(route domain.RouteConfig, layer domain.LayerConfig) map[string]any {
	cfg := route.Metadata()
	for k, v := range layer.Config {
		cfg[k] = v
	}
	return cfg
}
