// Package gateway wires the module registry, the pipeline assembler and the
// pipeline manager into a running gateway and keeps it in step with the route
// configuration.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/polisai/polis-gateway/pkg/assembler"
	"github.com/polisai/polis-gateway/pkg/config"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/events"
	"github.com/polisai/polis-gateway/pkg/manager"
	"github.com/polisai/polis-gateway/pkg/registry"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Reload outcome labels recorded on the reload counter.
const (
	ReloadSuccess = "success"
	ReloadPartial = "partial"
	ReloadFailed  = "failed"
)

// Options configures a Gateway.
type Options struct {
	Config *config.Config
	// Registry defaults to registry.Default().
	Registry *registry.Registry
	Logger   *slog.Logger
	// Metrics receives reload outcomes. Optional.
	Metrics *telemetry.Metrics
	// Listeners are subscribed to the manager before any pipeline is added.
	Listeners []events.Listener
}

// Report describes the outcome of one Load or Reload.
type Report struct {
	Added     []string `json:"added"`
	Replaced  []string `json:"replaced"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
	// Failed maps route or pipeline ids to the reason they are not serving
	// the new configuration.
	Failed   map[string]string `json:"failed,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Err joins the failures of the report, or returns nil.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("%s: %s", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

func (r *Report) fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[id] = err.Error()
}

// Gateway owns one assembler and one manager.
type Gateway struct {
	logger    *slog.Logger
	registry  *registry.Registry
	assembler *assembler.Assembler
	manager   *manager.Manager
	metrics   *telemetry.Metrics
	cfg       *config.Config

	// mu serializes Reload and Close. routesMu guards routes alone, since the
	// manager emits removal events while a reload holds mu.
	mu       sync.Mutex
	routesMu sync.RWMutex
	routes   map[string]domain.RouteConfig

	unsubscribe []func()
	redis       *events.RedisPublisher
	closeOnce   sync.Once
}

// New builds a gateway from configuration and connects the configured event
// sinks. No pipelines are loaded and no periodic tasks run until Load and
// Start are called.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default()
	}
	cfg := opts.Config

	g := &Gateway{
		logger:   opts.Logger.With("component", "gateway"),
		registry: opts.Registry,
		metrics:  opts.Metrics,
		cfg:      cfg,
		routes:   make(map[string]domain.RouteConfig),
	}
	g.assembler = assembler.New(assembler.Options{
		Registry:          opts.Registry,
		Logger:            opts.Logger,
		InferKindFromName: cfg.Routes.InferKindFromName,
	})
	g.manager = manager.New(ManagerOptions(cfg.Manager, opts.Logger))
	g.subscribe(events.ListenerFunc(g.forgetRemoved))

	if cfg.Events.Log {
		g.subscribe(events.NewLogListener(opts.Logger))
	}
	if cfg.Events.Redis.Enabled {
		pub, err := events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		}, opts.Logger)
		if err != nil {
			g.unsubscribeAll()
			return nil, fmt.Errorf("events: %w", err)
		}
		g.redis = pub
		g.subscribe(pub)
	}
	for _, l := range opts.Listeners {
		g.subscribe(l)
	}
	return g, nil
}

// ManagerOptions maps the manager section of the configuration.
func ManagerOptions(cfg config.ManagerConfig, logger *slog.Logger) manager.Options {
	return manager.Options{
		Logger:                 logger,
		MaxPipelines:           cfg.MaxPipelines,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		CleanupInterval:        cfg.CleanupInterval,
		RecoveryInterval:       cfg.RecoveryInterval,
		IdleThreshold:          cfg.IdleThreshold,
		MaintenanceMaxDuration: cfg.MaintenanceMaxDuration,
		BreakerEnabled:         cfg.Breaker.Enabled,
		Breaker:                cfg.Breaker.BreakerConfig,
	}
}

func (g *Gateway) subscribe(l events.Listener) {
	g.unsubscribe = append(g.unsubscribe, g.manager.Subscribe(l))
}

func (g *Gateway) unsubscribeAll() {
	for _, fn := range g.unsubscribe {
		fn()
	}
	g.unsubscribe = nil
}

// forgetRemoved drops the route of a pipeline the manager no longer holds,
// whether idle cleanup, recovery or a reload removed it. A later Reload with
// the same route assembles it again.
func (g *Gateway) forgetRemoved(ctx context.Context, event events.Event) {
	if event.Type != events.PipelineRemoved && event.Type != events.PipelineDestroyed {
		return
	}
	g.routesMu.Lock()
	_, known := g.routes[event.PipelineID]
	delete(g.routes, event.PipelineID)
	g.routesMu.Unlock()
	if known {
		g.logger.DebugContext(ctx, "route no longer served", "route_id", event.PipelineID, "event", event.Type)
	}
}

func (g *Gateway) route(id string) (domain.RouteConfig, bool) {
	g.routesMu.RLock()
	defer g.routesMu.RUnlock()
	r, ok := g.routes[id]
	return r, ok
}

func (g *Gateway) setRoute(id string, route domain.RouteConfig) {
	g.routesMu.Lock()
	g.routes[id] = route
	g.routesMu.Unlock()
}

// Manager returns the pipeline manager.
func (g *Gateway) Manager() *manager.Manager { return g.manager }

// Assembler returns the pipeline assembler.
func (g *Gateway) Assembler() *assembler.Assembler { return g.assembler }

// Registry returns the module registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Routes returns the route configurations currently served, sorted by id.
func (g *Gateway) Routes() []domain.RouteConfig {
	g.routesMu.RLock()
	defer g.routesMu.RUnlock()
	out := make([]domain.RouteConfig, 0, len(g.routes))
	for _, r := range g.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the manager's periodic tasks.
func (g *Gateway) Start(ctx context.Context) error {
	return g.manager.Start(ctx)
}

// Load assembles routes and activates every pipeline that assembled. It is
// Reload against an empty gateway.
func (g *Gateway) Load(ctx context.Context, routes []domain.RouteConfig) (*Report, error) {
	return g.Reload(ctx, routes)
}

// Reload brings the served pipelines in line with routes. New and changed
// routes are assembled and activated; a changed route keeps its old pipeline
// when the replacement fails. Routes that disappeared are removed. Unchanged
// routes keep their pipeline, statistics and maintenance state.
func (g *Gateway) Reload(ctx context.Context, routes []domain.RouteConfig) (*Report, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	report := &Report{}
	wanted := make(map[string]struct{}, len(routes))
	var pending []domain.RouteConfig
	for _, route := range routes {
		if route.ID != "" {
			wanted[route.ID] = struct{}{}
			if old, ok := g.route(route.ID); ok && reflect.DeepEqual(old, route) {
				if _, live := g.manager.GetPipeline(route.ID); live {
					report.Unchanged = append(report.Unchanged, route.ID)
					continue
				}
			}
		}
		pending = append(pending, route)
	}

	if len(pending) > 0 {
		result := g.assembler.Assemble(ctx, pending)
		report.Warnings = append(report.Warnings, result.Warnings...)
		if result.Stats.TotalPipelines == 0 && len(result.Errors) > 0 {
			// Nothing was attempted, typically a destroyed assembler.
			for _, route := range pending {
				report.fail(routeKey(route), errors.Join(result.Errors...))
			}
		}
		for _, failed := range result.Failed {
			report.fail(failed.ID, errors.Join(failed.Errors()...))
		}
		g.assembler.Release(result.AllPipelines...)
		for i, p := range result.AllPipelines {
			if err := g.activate(ctx, p, report); err != nil {
				report.fail(p.ID, err)
				// The rest were never handed to the manager.
				if errors.Is(err, domain.ErrManagerDestroyed) {
					for _, rest := range result.AllPipelines[i+1:] {
						g.discard(ctx, rest)
					}
					break
				}
				continue
			}
			g.setRoute(p.ID, routeOf(pending, p))
		}
	}

	for _, id := range g.routeIDs() {
		if _, ok := wanted[id]; ok {
			continue
		}
		if g.manager.RemovePipeline(ctx, id) {
			report.Removed = append(report.Removed, id)
		}
		g.routesMu.Lock()
		delete(g.routes, id)
		g.routesMu.Unlock()
	}

	sort.Strings(report.Added)
	sort.Strings(report.Replaced)
	sort.Strings(report.Removed)
	sort.Strings(report.Unchanged)
	g.recordReload(report)

	g.logger.InfoContext(ctx, "routes applied",
		"added", len(report.Added),
		"replaced", len(report.Replaced),
		"removed", len(report.Removed),
		"unchanged", len(report.Unchanged),
		"failed", len(report.Failed),
	)
	return report, report.Err()
}

func (g *Gateway) routeIDs() []string {
	g.routesMu.RLock()
	defer g.routesMu.RUnlock()
	ids := make([]string, 0, len(g.routes))
	for id := range g.routes {
		ids = append(ids, id)
	}
	return ids
}

// activate hands p to the manager and starts it. An existing pipeline with the
// same id is replaced only once the new one is known to start; its
// maintenance state carries over.
func (g *Gateway) activate(ctx context.Context, p *domain.AssembledPipeline, report *Report) error {
	_, replacing := g.manager.GetPipeline(p.ID)
	var carried *manager.MaintenanceEntry
	if replacing {
		for _, entry := range g.manager.GetFullMaintenanceStatus() {
			if entry.PipelineID == p.ID {
				carried = &entry
				break
			}
		}
		if err := startModules(ctx, p); err != nil {
			g.discard(ctx, p)
			return err
		}
		g.manager.RemovePipeline(ctx, p.ID)
	}

	if !g.manager.AddPipeline(ctx, p) {
		g.discard(ctx, p)
		if g.manager.Destroyed() {
			return domain.ErrManagerDestroyed
		}
		return fmt.Errorf("%w: pipeline %s rejected by manager", domain.ErrCapacityExceeded, p.ID)
	}
	if err := g.manager.StartPipeline(ctx, p.ID); err != nil {
		g.manager.DestroyPipeline(ctx, p.ID)
		g.manager.RemovePipeline(ctx, p.ID)
		return err
	}

	if carried != nil {
		g.manager.SetAuthMaintenanceMode(ctx, []string{p.ID}, carried.Reason, manager.MaintenanceOptions{
			Force:             true,
			EstimatedDuration: carried.EstimatedDuration,
		})
	}
	if replacing {
		report.Replaced = append(report.Replaced, p.ID)
	} else {
		report.Added = append(report.Added, p.ID)
	}
	return nil
}

// startModules dry-runs the start sequence of a replacement so a broken
// replacement never evicts a working pipeline.
func startModules(ctx context.Context, p *domain.AssembledPipeline) error {
	for i, am := range p.Modules {
		if err := am.Module.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = p.Modules[j].Module.Stop(ctx)
			}
			return &domain.ExecutionError{PipelineID: p.ID, ModuleID: am.Module.ID(), Kind: am.Kind, Position: am.Order, Err: fmt.Errorf("start: %w", err)}
		}
	}
	for _, am := range p.Modules {
		_ = am.Module.Stop(ctx)
	}
	return nil
}

func (g *Gateway) discard(ctx context.Context, p *domain.AssembledPipeline) {
	for _, am := range p.Modules {
		if am.Module == nil {
			continue
		}
		if err := am.Module.Cleanup(ctx); err != nil {
			g.logger.WarnContext(ctx, "module cleanup failed", "pipeline_id", p.ID, "module_id", am.Module.ID(), "error", err)
		}
	}
}

func routeKey(route domain.RouteConfig) string {
	if route.ID != "" {
		return route.ID
	}
	return route.RouteName + "/" + route.Provider
}

func routeOf(routes []domain.RouteConfig, p *domain.AssembledPipeline) domain.RouteConfig {
	for _, r := range routes {
		if r.ID == p.RouteID && r.ID != "" {
			return r
		}
	}
	route := domain.RouteConfig{
		ID:            p.ID,
		RouteName:     p.RouteName,
		Provider:      p.Provider,
		Model:         p.Model,
		Endpoint:      p.Endpoint,
		CredentialRef: p.CredentialRef,
		Timeout:       p.Timeout,
		MaxRetries:    p.MaxRetries,
	}
	for _, am := range p.Modules {
		route.Layers = append(route.Layers, domain.LayerConfig{Kind: string(am.Kind), Name: am.Name, Config: am.Config})
	}
	return route
}

func (g *Gateway) recordReload(report *Report) {
	if g.metrics == nil {
		return
	}
	served := len(report.Added) + len(report.Replaced) + len(report.Unchanged)
	switch {
	case len(report.Failed) == 0:
		g.metrics.RecordReload(ReloadSuccess)
	case served > 0:
		g.metrics.RecordReload(ReloadPartial)
	default:
		g.metrics.RecordReload(ReloadFailed)
	}
}

// Watch applies every route set received on updates until the channel closes
// or ctx is done.
func (g *Gateway) Watch(ctx context.Context, updates <-chan []domain.RouteConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		case routes, ok := <-updates:
			if !ok {
				return
			}
			if _, err := g.Reload(ctx, routes); err != nil {
				g.logger.WarnContext(ctx, "route reload incomplete", "error", err)
			}
		}
	}
}

// Close destroys the manager and the assembler and disconnects event sinks.
// It is safe to call more than once.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	g.closeOnce.Do(func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if err := g.manager.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manager: %w", err))
		}
		if err := g.assembler.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("assembler: %w", err))
		}
		g.unsubscribeAll()
		if g.redis != nil {
			if err := g.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		g.routesMu.Lock()
		g.routes = make(map[string]domain.RouteConfig)
		g.routesMu.Unlock()
	})
	return errors.Join(errs...)
}
