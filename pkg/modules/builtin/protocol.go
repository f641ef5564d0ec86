package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/modules"
	"github.com/polisai/polis-gateway/pkg/registry"
)

// ErrCredentialUnresolved is returned when a credential reference cannot be resolved.
var ErrCredentialUnresolved = errors.New("credential reference unresolved")

// authScheme describes how a protocol presents the route credential upstream.
type authScheme struct {
	header string
	prefix string
	extra  map[string]string
}

var (
	genericScheme = authScheme{header: "Authorization", prefix: "Bearer "}
	bearerScheme  = authScheme{header: "Authorization", prefix: "Bearer "}
	apiKeyScheme  = authScheme{header: "x-api-key", extra: map[string]string{"anthropic-version": "2023-06-01"}}
)

// ProtocolAdapter binds the route model into the request body and presents the
// route credential using the protocol's header scheme.
//
// Configuration:
//
//	keepModel: true            # do not overwrite a client-supplied model
//	requireFields: [messages]  # reject bodies missing these fields
//	headers: {x-trace: on}     # static headers
type ProtocolAdapter struct {
	*modules.Base
	name   string
	scheme authScheme
}

func protocolFactory(name string, scheme authScheme) registry.Factory {
	return func(cfg map[string]any) (domain.Module, error) {
		return &ProtocolAdapter{
			Base:   modules.NewBase(modules.InstanceID(name, cfg), domain.KindProtocol, version),
			name:   name,
			scheme: scheme,
		}, nil
	}
}

// Start verifies the credential reference resolves. This is the activation
// step; assembly never calls it.
func (p *ProtocolAdapter) Start(ctx context.Context) error {
	if _, err := resolveCredential(modules.String(p.Config(), "credentialRef", "")); err != nil {
		p.SetStatus(domain.ModuleStatusError)
		return fmt.Errorf("%s: %w", p.ID(), err)
	}
	return p.Base.Start(ctx)
}

// Process implements domain.Processor.
func (p *ProtocolAdapter) Process(_ context.Context, in *domain.Payload) (out *domain.Payload, err error) {
	start := time.Now()
	defer func() { p.Track(start, err) }()

	cfg := p.Config()
	out = in.Clone()

	for _, field := range modules.StringSlice(cfg, "requireFields") {
		if _, ok := out.Body[field]; !ok {
			return nil, fmt.Errorf("%s: request body missing required field %q", p.name, field)
		}
	}

	model := modules.String(cfg, "model", "")
	if _, has := out.Body["model"]; model != "" && (!has || !modules.Bool(cfg, "keepModel", false)) {
		out.Body["model"] = model
	}

	secret, err := resolveCredential(modules.String(cfg, "credentialRef", ""))
	if err != nil {
		return nil, err
	}
	if secret != "" {
		out.Headers[p.scheme.header] = p.scheme.prefix + secret
	}
	for k, v := range p.scheme.extra {
		if _, set := out.Headers[k]; !set {
			out.Headers[k] = v
		}
	}
	for k, v := range modules.StringMap(cfg, "headers") {
		out.Headers[k] = v
	}

	out.Metadata["protocol"] = p.name
	out.Metadata["provider"] = modules.String(cfg, "provider", "")
	return out, nil
}

// resolveCredential maps a credential reference to its secret. References of
// the form env:NAME read the environment; anything else is used verbatim.
func resolveCredential(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		value, found := os.LookupEnv(name)
		if !found || value == "" {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrCredentialUnresolved, name)
		}
		return value, nil
	}
	return ref, nil
}
