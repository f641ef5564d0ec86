package domain

import "time"

// RouteConfig is one provider/model target of a logical route, as handed over by
// the router. It is immutable once passed to the assembler.
type RouteConfig struct {
	ID            string        `yaml:"id" json:"id"`
	RouteName     string        `yaml:"route" json:"route" validate:"required"`
	Provider      string        `yaml:"provider" json:"provider" validate:"required"`
	Model         string        `yaml:"model" json:"model" validate:"required"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	CredentialRef string        `yaml:"credential_ref" json:"credentialRef,omitempty"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	MaxRetries    int           `yaml:"max_retries" json:"maxRetries" validate:"min=0,max=10"`
	Layers        []LayerConfig `yaml:"layers" json:"layers" validate:"dive"`
}

// LayerConfig carries the free-form configuration of one module kind.
// Kind may be empty in legacy configurations, in which case Name is the only
// hint about which layer this is.
type LayerConfig struct {
	Kind   string         `yaml:"kind" json:"kind,omitempty"`
	Name   string         `yaml:"name" json:"name,omitempty" validate:"required_without=Kind"`
	Module string         `yaml:"module" json:"module,omitempty"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// Metadata returns the routing fields that modules receive alongside their
// layer configuration.
func (r RouteConfig) Metadata() map[string]any {
	return map[string]any{
		"routeId":       r.ID,
		"routeName":     r.RouteName,
		"provider":      r.Provider,
		"model":         r.Model,
		"endpoint":      r.Endpoint,
		"credentialRef": r.CredentialRef,
		"timeout":       r.Timeout,
		"maxRetries":    r.MaxRetries,
	}
}
