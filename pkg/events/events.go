// Package events defines the lifecycle notifications emitted by the pipeline
// manager and the sinks that consume them.
//
// The manager never formats or persists events itself. Consumers register a
// Listener through the manager's Subscribe method:
//
//	unsubscribe := mgr.Subscribe(events.NewLogListener(logger))
//	defer unsubscribe()
package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle transition.
type Type string

const (
	PipelineAdded        Type = "pipeline.added"
	PipelineRemoved      Type = "pipeline.removed"
	PipelineDestroyed    Type = "pipeline.destroyed"
	PipelineStarted      Type = "pipeline.started"
	MaintenanceSet       Type = "maintenance.set"
	MaintenanceCleared   Type = "maintenance.cleared"
	MaintenanceRecovered Type = "maintenance.recovered"
	HealthChanged        Type = "health.changed"
)

// Event is one lifecycle notification.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	PipelineID string         `json:"pipelineId"`
	Provider   string         `json:"provider,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(typ Type, pipelineID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		PipelineID: pipelineID,
		Time:       time.Now().UTC(),
	}
}

// Listener consumes events. OnEvent is called synchronously from the
// goroutine that caused the transition and should return quickly.
type Listener interface {
	OnEvent(ctx context.Context, event Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event)

// OnEvent implements Listener.
func (f ListenerFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

// Dispatcher fans events out to registered listeners.
type Dispatcher struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with no listeners.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{listeners: make(map[int]Listener), logger: logger}
}

// Subscribe registers l and returns a function that removes it.
func (d *Dispatcher) Subscribe(l Listener) func() {
	d.mu.Lock()
	id := d.next
	d.next++
	d.listeners[id] = l
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.listeners, id)
			d.mu.Unlock()
		})
	}
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

// Emit delivers event to every listener in registration order. A panicking
// listener is logged and skipped.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	d.mu.RLock()
	ids := make([]int, 0, len(d.listeners))
	for id := range d.listeners {
		ids = append(ids, id)
	}
	snapshot := make(map[int]Listener, len(d.listeners))
	for id, l := range d.listeners {
		snapshot[id] = l
	}
	d.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		d.deliver(ctx, snapshot[id], event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked",
				"event_type", event.Type,
				"pipeline_id", event.PipelineID,
				"panic", r,
			)
		}
	}()
	l.OnEvent(ctx, event)
}

// LogListener writes each event as a structured log record.
type LogListener struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogListener logs events at info level.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger, level: slog.LevelInfo}
}

// OnEvent implements Listener.
func (l *LogListener) OnEvent(ctx context.Context, event Event) {
	attrs := []any{
		"event_id", event.ID,
		"event_type", event.Type,
		"pipeline_id", event.PipelineID,
	}
	if event.Provider != "" {
		attrs = append(attrs, "provider", event.Provider)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	for k, v := range event.Data {
		attrs = append(attrs, k, v)
	}
	l.logger.Log(ctx, l.level, "pipeline lifecycle event", attrs...)
}

// ChannelListener forwards events to a buffered channel. When the buffer is
// full the event is dropped and counted rather than blocking the manager.
type ChannelListener struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int64
}

// NewChannelListener creates a listener with the given buffer size.
func NewChannelListener(buffer int) *ChannelListener {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelListener{ch: make(chan Event, buffer)}
}

// C returns the receive side of the channel.
func (c *ChannelListener) C() <-chan Event { return c.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (c *ChannelListener) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// OnEvent implements Listener.
func (c *ChannelListener) OnEvent(_ context.Context, event Event) {
	select {
	case c.ch <- event:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}
