// Package modules provides the shared building blocks of processing modules:
// lifecycle state, counters and the connection graph used for point-to-point
// messaging between adjacent modules of a chain.
//
// Concrete modules embed *Base and implement Process:
//
//	type upperTransformer struct{ *modules.Base }
//
//	func (t *upperTransformer) Process(ctx context.Context, in *domain.Payload) (*domain.Payload, error) {
//	    start := time.Now()
//	    out := in.Clone()
//	    ...
//	    t.Track(start, nil)
//	    return out, nil
//	}
package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrNotConnected is returned when messaging a module that is not a connection.
var ErrNotConnected = errors.New("module not connected")

// MessageHandler receives messages delivered to a module.
type MessageHandler func(ctx context.Context, msg domain.Message) error

// Base implements everything in domain.Module except Process.
type Base struct {
	id      string
	kind    domain.ModuleKind
	version string

	mu          sync.RWMutex
	status      domain.ModuleStatus
	config      map[string]any
	connections map[string]domain.Module
	onMessage   MessageHandler

	processed     atomic.Int64
	errors        atomic.Int64
	messages      atomic.Int64
	totalLatency  atomic.Int64
	lastProcessed atomic.Int64
}

// NewBase creates a module base in the created state.
func NewBase(id string, kind domain.ModuleKind, version string) *Base {
	return &Base{
		id:          id,
		kind:        kind,
		version:     version,
		status:      domain.ModuleStatusCreated,
		config:      make(map[string]any),
		connections: make(map[string]domain.Module),
	}
}

// ID returns the module instance identifier.
func (b *Base) ID() string { return b.id }

// Kind returns the module kind.
func (b *Base) Kind() domain.ModuleKind { return b.kind }

// Version returns the implementation version.
func (b *Base) Version() string { return b.version }

// Status returns the current lifecycle state.
func (b *Base) Status() domain.ModuleStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SetStatus forces a lifecycle state, e.g. to report an error.
func (b *Base) SetStatus(status domain.ModuleStatus) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

// Metrics returns a snapshot of the processing counters.
func (b *Base) Metrics() domain.ModuleMetrics {
	m := domain.ModuleMetrics{
		Processed:    b.processed.Load(),
		Errors:       b.errors.Load(),
		Messages:     b.messages.Load(),
		TotalLatency: time.Duration(b.totalLatency.Load()),
	}
	if ts := b.lastProcessed.Load(); ts > 0 {
		m.LastProcessed = time.Unix(0, ts)
	}
	return m
}

// Track records one Process invocation.
func (b *Base) Track(start time.Time, err error) {
	now := time.Now()
	b.processed.Add(1)
	b.totalLatency.Add(int64(now.Sub(start)))
	b.lastProcessed.Store(now.UnixNano())
	if err != nil {
		b.errors.Add(1)
	}
}

// Config returns a copy of the configuration last applied.
func (b *Base) Config() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.config))
	for k, v := range b.config {
		out[k] = v
	}
	return out
}

// Configure stores cfg and marks the module configured.
func (b *Base) Configure(_ context.Context, cfg map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = make(map[string]any, len(cfg))
	for k, v := range cfg {
		b.config[k] = v
	}
	b.status = domain.ModuleStatusConfigured
	return nil
}

// Start marks the module running.
func (b *Base) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == domain.ModuleStatusCreated {
		return fmt.Errorf("module %s: start before configure", b.id)
	}
	b.status = domain.ModuleStatusRunning
	return nil
}

// Stop marks the module stopped.
func (b *Base) Stop(_ context.Context) error {
	b.SetStatus(domain.ModuleStatusStopped)
	return nil
}

// Reset clears counters and returns a stopped or failed module to configured.
func (b *Base) Reset(_ context.Context) error {
	b.processed.Store(0)
	b.errors.Store(0)
	b.messages.Store(0)
	b.totalLatency.Store(0)
	b.lastProcessed.Store(0)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != domain.ModuleStatusCreated {
		b.status = domain.ModuleStatusConfigured
	}
	return nil
}

// Cleanup drops every connection and leaves the module stopped.
func (b *Base) Cleanup(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections = make(map[string]domain.Module)
	b.status = domain.ModuleStatusStopped
	return nil
}

// HealthCheck reports healthy while the module is configured or running.
func (b *Base) HealthCheck(_ context.Context) (domain.HealthReport, error) {
	status := b.Status()
	healthy := status == domain.ModuleStatusConfigured || status == domain.ModuleStatusRunning
	return domain.HealthReport{
		Healthy: healthy,
		Details: map[string]any{
			"status":      string(status),
			"connections": b.ConnectionCount(),
			"processed":   b.processed.Load(),
			"errors":      b.errors.Load(),
		},
	}, nil
}

// AddConnection registers peer for point-to-point messaging.
func (b *Base) AddConnection(peer domain.Module) {
	if peer == nil || peer.ID() == b.id {
		return
	}
	b.mu.Lock()
	b.connections[peer.ID()] = peer
	b.mu.Unlock()
}

// RemoveConnection forgets the peer with id.
func (b *Base) RemoveConnection(id string) {
	b.mu.Lock()
	delete(b.connections, id)
	b.mu.Unlock()
}

// Connections returns the sorted IDs of connected peers.
func (b *Base) Connections() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.connections))
	for id := range b.connections {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IsConnected reports whether id is a connected peer.
func (b *Base) IsConnected(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.connections[id]
	return ok
}

// ConnectionCount returns the number of connected peers.
func (b *Base) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// OnMessage installs the handler invoked by HandleMessage.
func (b *Base) OnMessage(handler MessageHandler) {
	b.mu.Lock()
	b.onMessage = handler
	b.mu.Unlock()
}

// SendToModule delivers msg to the connected peer id.
func (b *Base) SendToModule(ctx context.Context, id string, msg domain.Message) error {
	b.mu.RLock()
	peer, ok := b.connections[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrNotConnected, b.id, id)
	}
	msg.From = b.id
	msg.To = id
	return peer.HandleMessage(ctx, msg)
}

// BroadcastToModules delivers msg to every connected peer and joins the failures.
func (b *Base) BroadcastToModules(ctx context.Context, msg domain.Message) error {
	var errs []error
	for _, id := range b.Connections() {
		if err := b.SendToModule(ctx, id, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleMessage counts msg and passes it to the installed handler, if any.
func (b *Base) HandleMessage(ctx context.Context, msg domain.Message) error {
	b.messages.Add(1)
	b.mu.RLock()
	handler := b.onMessage
	b.mu.RUnlock()
	if handler == nil {
		return nil
	}
	return handler(ctx, msg)
}
