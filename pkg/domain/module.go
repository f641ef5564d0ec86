package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ModuleKind identifies the single responsibility of a processing module.
type ModuleKind string

const (
	// KindTransformer converts between the client-facing format and the internal one.
	KindTransformer ModuleKind = "transformer"
	// KindProtocol adapts a request to the upstream provider protocol.
	KindProtocol ModuleKind = "protocol"
	// KindServerCompatibility patches provider-specific quirks.
	KindServerCompatibility ModuleKind = "server-compatibility"
	// KindTransport sends the request upstream and returns the response.
	KindTransport ModuleKind = "transport"
)

// KindOrder is the fixed execution order of a pipeline chain.
var KindOrder = []ModuleKind{
	KindTransformer,
	KindProtocol,
	KindServerCompatibility,
	KindTransport,
}

// Valid reports whether k is one of the four known kinds.
func (k ModuleKind) Valid() bool {
	switch k {
	case KindTransformer, KindProtocol, KindServerCompatibility, KindTransport:
		return true
	default:
		return false
	}
}

// Position returns the index of k within KindOrder, or -1.
func (k ModuleKind) Position() int {
	for i, kind := range KindOrder {
		if kind == k {
			return i
		}
	}
	return -1
}

// ParseModuleKind normalizes and validates a kind string.
func ParseModuleKind(raw string) (ModuleKind, error) {
	kind := ModuleKind(strings.ToLower(strings.TrimSpace(raw)))
	if kind == "server" {
		// "server" is the historical name of the transport layer.
		kind = KindTransport
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown module kind %q", ErrInvalidLayer, raw)
	}
	return kind, nil
}

// ModuleStatus is the lifecycle state a module reports about itself.
type ModuleStatus string

const (
	ModuleStatusCreated    ModuleStatus = "created"
	ModuleStatusConfigured ModuleStatus = "configured"
	ModuleStatusRunning    ModuleStatus = "running"
	ModuleStatusStopped    ModuleStatus = "stopped"
	ModuleStatusError      ModuleStatus = "error"
)

// ModuleMetrics is a snapshot of a module's own processing counters.
type ModuleMetrics struct {
	Processed     int64         `json:"processed"`
	Errors        int64         `json:"errors"`
	Messages      int64         `json:"messages"`
	LastProcessed time.Time     `json:"lastProcessed,omitempty"`
	TotalLatency  time.Duration `json:"totalLatency"`
}

// HealthReport is the result of a module health probe.
type HealthReport struct {
	Healthy bool           `json:"healthy"`
	Details map[string]any `json:"details,omitempty"`
}

// Payload is the unit of data threaded through a module chain. The output of
// one module becomes the input of the next.
type Payload struct {
	RequestID string            `json:"requestId"`
	Body      map[string]any    `json:"body"`
	Headers   map[string]string `json:"headers,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a shallow copy with fresh top-level maps.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return &Payload{}
	}
	out := &Payload{
		RequestID: p.RequestID,
		Body:      make(map[string]any, len(p.Body)),
		Headers:   make(map[string]string, len(p.Headers)),
		Metadata:  make(map[string]any, len(p.Metadata)),
	}
	for k, v := range p.Body {
		out.Body[k] = v
	}
	for k, v := range p.Headers {
		out.Headers[k] = v
	}
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Message is a point-to-point message exchanged between connected modules.
type Message struct {
	From    string         `json:"from"`
	To      string         `json:"to,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Identity exposes what a module is.
type Identity interface {
	ID() string
	Kind() ModuleKind
	Version() string
	Status() ModuleStatus
	Metrics() ModuleMetrics
}

// Lifecycle covers configuration, activation and teardown. Every call may block.
type Lifecycle interface {
	Configure(ctx context.Context, cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Cleanup(ctx context.Context) error
	HealthCheck(ctx context.Context) (HealthReport, error)
}

// Processor transforms one payload into the next.
type Processor interface {
	Process(ctx context.Context, in *Payload) (*Payload, error)
}

// Connector is the module-level connection graph used for point-to-point
// communication between adjacent modules.
type Connector interface {
	AddConnection(peer Module)
	RemoveConnection(id string)
	Connections() []string
	IsConnected(id string) bool
	ConnectionCount() int
	SendToModule(ctx context.Context, id string, msg Message) error
	BroadcastToModules(ctx context.Context, msg Message) error
	HandleMessage(ctx context.Context, msg Message) error
}

// Module is the contract every registered processing unit implements.
type Module interface {
	Identity
	Lifecycle
	Processor
	Connector
}
