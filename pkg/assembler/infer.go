package assembler

import (
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// nameHints maps fragments found in legacy layer names to their kind. Checked
// in order; the first fragment contained in the name wins.
var nameHints = []struct {
	fragment string
	kind     domain.ModuleKind
}{
	{"compatibility", domain.KindServerCompatibility},
	{"compat", domain.KindServerCompatibility},
	{"transformer", domain.KindTransformer},
	{"llmswitch", domain.KindTransformer},
	{"switch", domain.KindTransformer},
	{"format", domain.KindTransformer},
	{"protocol", domain.KindProtocol},
	{"workflow", domain.KindProtocol},
	{"adapter", domain.KindProtocol},
	{"transport", domain.KindTransport},
	{"provider", domain.KindTransport},
	{"server", domain.KindTransport},
	{"http", domain.KindTransport},
}

// InferKind derives a module kind from a legacy layer name.
func InferKind(name string) (domain.ModuleKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", false
	}
	if kind, err := domain.ParseModuleKind(name); err == nil {
		return kind, true
	}
	for _, hint := range nameHints {
		if strings.Contains(name, hint.fragment) {
			return hint.kind, true
		}
	}
	return "", false
}
