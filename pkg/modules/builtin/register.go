// Package builtin contains the module implementations shipped with the gateway,
// one family per module kind. Importing the package registers every
// implementation in the default registry:
//
//	import _ "github.com/polisai/polis-gateway/pkg/modules/builtin"
//
// Registration order matters: the first descriptor of each kind is the
// fallback when no descriptor references a route's provider.
package builtin

import (
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/registry"
)

const version = "v1"

func init() {
	registry.MustRegister(Descriptors()...)
}

// Descriptors returns the built-in module descriptors in fallback order.
func Descriptors() []registry.Descriptor {
	return []registry.Descriptor{
		{ID: "passthrough-transformer", Kind: domain.KindTransformer, Version: version, Factory: NewPassthroughTransformer},
		{ID: "field-map-transformer", Kind: domain.KindTransformer, Version: version, Factory: NewFieldMapTransformer},

		{ID: "generic-protocol", Kind: domain.KindProtocol, Version: version, Factory: protocolFactory("generic-protocol", genericScheme)},
		{ID: "openai-protocol", Kind: domain.KindProtocol, Version: version, Factory: protocolFactory("openai-protocol", bearerScheme),
			Providers: []string{"openai", "azure-openai", "lmstudio", "qwen", "glm", "iflow"}},
		{ID: "anthropic-protocol", Kind: domain.KindProtocol, Version: version, Factory: protocolFactory("anthropic-protocol", apiKeyScheme),
			Providers: []string{"anthropic", "claude"}},

		{ID: "passthrough-compatibility", Kind: domain.KindServerCompatibility, Version: version, Factory: NewPassthroughCompatibility},
		{ID: "field-filter-compatibility", Kind: domain.KindServerCompatibility, Version: version, Factory: NewFieldFilterCompatibility},

		{ID: "http-transport", Kind: domain.KindTransport, Version: version, Factory: NewHTTPTransport},
		{ID: "echo-transport", Kind: domain.KindTransport, Version: version, Factory: NewEchoTransport,
			Providers: []string{"echo", "mock"}},
	}
}
