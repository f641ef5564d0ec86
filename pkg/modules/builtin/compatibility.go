package builtin

import (
	"context"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/modules"
)

// PassthroughCompatibility applies no provider shims.
type PassthroughCompatibility struct {
	*modules.Base
}

// NewPassthroughCompatibility is the factory of passthrough-compatibility.
func NewPassthroughCompatibility(cfg map[string]any) (domain.Module, error) {
	return &PassthroughCompatibility{
		Base: modules.NewBase(modules.InstanceID("passthrough-compatibility", cfg), domain.KindServerCompatibility, version),
	}, nil
}

// Process implements domain.Processor.
func (c *PassthroughCompatibility) Process(_ context.Context, in *domain.Payload) (*domain.Payload, error) {
	start := time.Now()
	out := in.Clone()
	c.Track(start, nil)
	return out, nil
}

// FieldFilterCompatibility drops body fields a server rejects and clamps the
// token budget.
//
// Configuration:
//
//	drop: [logprobs, parallel_tool_calls]
//	maxTokens: 4096
//	maxTokensField: max_tokens
type FieldFilterCompatibility struct {
	*modules.Base
}

// NewFieldFilterCompatibility is the factory of field-filter-compatibility.
func NewFieldFilterCompatibility(cfg map[string]any) (domain.Module, error) {
	return &FieldFilterCompatibility{
		Base: modules.NewBase(modules.InstanceID("field-filter-compatibility", cfg), domain.KindServerCompatibility, version),
	}, nil
}

// Process implements domain.Processor.
func (c *FieldFilterCompatibility) Process(_ context.Context, in *domain.Payload) (*domain.Payload, error) {
	start := time.Now()
	cfg := c.Config()
	out := in.Clone()

	for _, field := range modules.StringSlice(cfg, "drop") {
		delete(out.Body, field)
	}

	field := modules.String(cfg, "maxTokensField", "max_tokens")
	if limit := modules.Int(cfg, "maxTokens", 0); limit > 0 {
		requested := modules.Int(out.Body, field, -1)
		if requested < 0 || requested > limit {
			out.Body[field] = limit
		}
	}

	c.Track(start, nil)
	return out, nil
}
