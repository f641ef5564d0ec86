package builtin

import (
	"context"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/modules"
)

// PassthroughTransformer forwards the payload unchanged.
type PassthroughTransformer struct {
	*modules.Base
}

// NewPassthroughTransformer is the factory of passthrough-transformer.
func NewPassthroughTransformer(cfg map[string]any) (domain.Module, error) {
	return &PassthroughTransformer{
		Base: modules.NewBase(modules.InstanceID("passthrough-transformer", cfg), domain.KindTransformer, version),
	}, nil
}

// Process implements domain.Processor.
func (t *PassthroughTransformer) Process(_ context.Context, in *domain.Payload) (*domain.Payload, error) {
	start := time.Now()
	out := in.Clone()
	t.Track(start, nil)
	return out, nil
}

// FieldMapTransformer renames body fields and fills defaults.
//
// Configuration:
//
//	mappings: {max_completion_tokens: max_tokens}
//	defaults: {temperature: 0.7}
type FieldMapTransformer struct {
	*modules.Base
}

// NewFieldMapTransformer is the factory of field-map-transformer.
func NewFieldMapTransformer(cfg map[string]any) (domain.Module, error) {
	return &FieldMapTransformer{
		Base: modules.NewBase(modules.InstanceID("field-map-transformer", cfg), domain.KindTransformer, version),
	}, nil
}

// Process implements domain.Processor.
func (t *FieldMapTransformer) Process(_ context.Context, in *domain.Payload) (*domain.Payload, error) {
	start := time.Now()
	cfg := t.Config()
	out := in.Clone()

	for from, to := range modules.StringMap(cfg, "mappings") {
		if value, ok := out.Body[from]; ok {
			delete(out.Body, from)
			out.Body[to] = value
		}
	}
	if defaults, ok := cfg["defaults"].(map[string]any); ok {
		for key, value := range defaults {
			if _, exists := out.Body[key]; !exists {
				out.Body[key] = value
			}
		}
	}

	t.Track(start, nil)
	return out, nil
}
