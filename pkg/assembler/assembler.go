// Package assembler turns route configurations into ready-to-run pipelines.
//
// Assembly is offline: modules are selected, instantiated and configured, and
// adjacent modules are connected, but nothing is started or health-checked.
// Starting and credential validation belong to the pipeline manager's
// activation step, so a gateway can assemble hundreds of routes before any
// upstream is reachable.
//
// One bad route never prevents the others from assembling. Every problem is
// recorded as a *domain.AssemblyError on the result.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/registry"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// Options configures an Assembler.
type Options struct {
	// Registry defaults to registry.Default().
	Registry *registry.Registry
	// Strategy defaults to a ProviderMatchStrategy over Registry.
	Strategy registry.Strategy
	Logger   *slog.Logger
	// InferKindFromName accepts layers without an explicit kind and derives it
	// from the layer name. Intended as a migration aid for older route files.
	InferKindFromName bool
}

// Stats summarises one Assemble call.
type Stats struct {
	TotalPipelines       int                       `json:"totalPipelines"`
	SuccessfulAssemblies int                       `json:"successfulAssemblies"`
	FailedAssemblies     int                       `json:"failedAssemblies"`
	ModulesByKind        map[domain.ModuleKind]int `json:"modulesByKind"`
	TotalAssemblyTime    time.Duration             `json:"totalAssemblyTime"`
	AverageAssemblyTime  time.Duration             `json:"averageAssemblyTime"`
	MemoryFootprintBytes int64                     `json:"memoryFootprintBytes"`
}

// Result is the outcome of assembling a batch of routes.
type Result struct {
	// Success is true iff Errors is empty.
	Success              bool
	PipelinesByRouteName map[string][]*domain.AssembledPipeline
	// AllPipelines holds assembled pipelines only, in route order.
	AllPipelines []*domain.AssembledPipeline
	// Failed holds pipelines that did not assemble, for diagnostics. Their
	// modules have already been cleaned up.
	Failed   []*domain.AssembledPipeline
	Stats    Stats
	Errors   []error
	Warnings []string
}

// Assembler builds pipelines from route configurations.
type Assembler struct {
	registry  *registry.Registry
	strategy  registry.Strategy
	logger    *slog.Logger
	inferKind bool
	validate  *validator.Validate

	mu        sync.Mutex
	held      map[string]*domain.AssembledPipeline
	destroyed bool
}

// New creates an assembler.
func New(opts Options) *Assembler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default()
	}
	if opts.Strategy == nil {
		opts.Strategy = registry.NewProviderMatchStrategy(opts.Registry, opts.Logger)
	}
	return &Assembler{
		registry:  opts.Registry,
		strategy:  opts.Strategy,
		logger:    opts.Logger,
		inferKind: opts.InferKindFromName,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		held:      make(map[string]*domain.AssembledPipeline),
	}
}

// Assemble builds one pipeline per route. It never returns a nil result.
func (a *Assembler) Assemble(ctx context.Context, routes []domain.RouteConfig) *Result {
	result := &Result{
		PipelinesByRouteName: make(map[string][]*domain.AssembledPipeline),
		Stats:                Stats{ModulesByKind: make(map[domain.ModuleKind]int)},
	}

	a.mu.Lock()
	destroyed := a.destroyed
	a.mu.Unlock()
	if destroyed {
		result.Errors = append(result.Errors, domain.ErrAssemblerDestroyed)
		return result
	}

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.assemble",
		trace.WithAttributes(attribute.Int("route.count", len(routes))))
	defer span.End()

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	seen := make(map[string]struct{}, len(routes))
	for _, route := range routes {
		pipeline, errs, warnings := a.assembleRoute(ctx, route, seen)
		result.Stats.TotalPipelines++
		result.Warnings = append(result.Warnings, warnings...)
		attrs := telemetry.RouteAttributes(route.ID, route.RouteName, route.Provider, route.Model, route.Endpoint, route.CredentialRef)
		span.AddEvent("route.assembled", trace.WithAttributes(
			append(attrs, attribute.String("assembly.status", string(pipeline.Status())))...,
		))

		if pipeline.Status() == domain.AssemblyAssembled {
			result.Stats.SuccessfulAssemblies++
			result.AllPipelines = append(result.AllPipelines, pipeline)
			result.PipelinesByRouteName[pipeline.RouteName] = append(result.PipelinesByRouteName[pipeline.RouteName], pipeline)
			a.hold(pipeline)
			continue
		}

		result.Stats.FailedAssemblies++
		result.Failed = append(result.Failed, pipeline)
		result.Errors = append(result.Errors, errs...)
		a.release(ctx, pipeline)
		a.logger.Warn("pipeline assembly failed",
			"pipeline_id", pipeline.ID,
			"route", pipeline.RouteName,
			"provider", pipeline.Provider,
			"error", errors.Join(errs...),
		)
	}

	elapsed := time.Since(start)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	result.Stats.TotalAssemblyTime = elapsed
	if result.Stats.TotalPipelines > 0 {
		result.Stats.AverageAssemblyTime = elapsed / time.Duration(result.Stats.TotalPipelines)
	}
	if after.HeapAlloc > before.HeapAlloc {
		result.Stats.MemoryFootprintBytes = int64(after.HeapAlloc - before.HeapAlloc)
	}
	for kind, count := range a.registry.Stats().ByKind {
		result.Stats.ModulesByKind[kind] = count
	}
	result.Success = len(result.Errors) == 0

	span.SetAttributes(
		attribute.Int("pipeline.assembled", result.Stats.SuccessfulAssemblies),
		attribute.Int("pipeline.failed", result.Stats.FailedAssemblies),
	)
	if !result.Success {
		span.SetStatus(codes.Error, fmt.Sprintf("%d routes failed to assemble", result.Stats.FailedAssemblies))
	}

	a.logger.Info("pipeline assembly complete",
		"total", result.Stats.TotalPipelines,
		"assembled", result.Stats.SuccessfulAssemblies,
		"failed", result.Stats.FailedAssemblies,
		"warnings", len(result.Warnings),
		"duration", elapsed,
	)
	return result
}

func (a *Assembler) assembleRoute(ctx context.Context, route domain.RouteConfig, seen map[string]struct{}) (*domain.AssembledPipeline, []error, []string) {
	id := strings.TrimSpace(route.ID)
	if id == "" {
		id = uuid.NewString()
	}
	pipeline := domain.NewAssembledPipeline(id, route)
	pipeline.SetStatus(domain.AssemblyAssembling)

	var errs []error
	var warnings []string
	fail := func(kind domain.ModuleKind, layer string, err error) {
		aerr := &domain.AssemblyError{RouteID: route.ID, PipelineID: id, Kind: kind, Layer: layer, Err: err}
		pipeline.AddError(aerr)
		errs = append(errs, aerr)
	}
	finish := func() (*domain.AssembledPipeline, []error, []string) {
		if len(errs) == 0 {
			pipeline.SetStatus(domain.AssemblyAssembled)
		} else {
			pipeline.SetStatus(domain.AssemblyFailed)
			pipeline.SetHealth(domain.HealthUnhealthy)
		}
		return pipeline, errs, warnings
	}

	if _, dup := seen[id]; dup {
		fail("", "", fmt.Errorf("%w: duplicate route id %q", domain.ErrInvalidRoute, id))
		return finish()
	}
	seen[id] = struct{}{}

	if err := ctx.Err(); err != nil {
		fail("", "", err)
		return finish()
	}
	if err := a.validate.Struct(route); err != nil {
		fail("", "", fmt.Errorf("%w: %v", domain.ErrInvalidRoute, err))
		return finish()
	}

	layers, layerWarnings, layerErrs := a.resolveLayers(route)
	warnings = append(warnings, layerWarnings...)
	for _, le := range layerErrs {
		fail(le.kind, le.name, le.err)
	}

	for _, kind := range domain.KindOrder {
		layer, ok := layers[kind]
		if !ok {
			layer = domain.LayerConfig{Kind: string(kind)}
		}

		module, err := a.strategy.Select(kind, route, layer)
		if err != nil {
			fail(kind, layer.Name, err)
			continue
		}
		if module == nil {
			fail(kind, layer.Name, fmt.Errorf("%w %s", domain.ErrNoModuleForKind, kind))
			continue
		}

		cfg := registry.MergeConfig(route, layer)
		if err := module.Configure(ctx, cfg); err != nil {
			fail(kind, layer.Name, fmt.Errorf("configure %s: %w", module.ID(), err))
			_ = module.Cleanup(ctx)
			continue
		}

		name := layer.Name
		if name == "" {
			name = module.ID()
		}
		pipeline.Modules = append(pipeline.Modules, domain.AssembledModule{
			Order:  len(pipeline.Modules),
			Kind:   kind,
			Name:   name,
			Config: cfg,
			Module: module,
		})
	}

	link(pipeline)

	if len(errs) == 0 {
		instances := make([]domain.Module, 0, len(pipeline.Modules))
		for _, m := range pipeline.Modules {
			instances = append(instances, m.Module)
		}
		if !a.strategy.ValidateCompatibility(instances) {
			fail("", "", fmt.Errorf("%w: module chain failed compatibility validation", domain.ErrInvalidRoute))
		}
	}

	a.logger.Debug("route assembled",
		"pipeline_id", id,
		"route", route.RouteName,
		"provider", route.Provider,
		"modules", len(pipeline.Modules),
		"errors", len(errs),
	)
	return finish()
}

// link registers adjacent modules with each other for point-to-point messaging.
func link(pipeline *domain.AssembledPipeline) {
	for i := range pipeline.Modules {
		prev := pipeline.Previous(i)
		if prev == nil {
			continue
		}
		cur := pipeline.Modules[i].Module
		prev.Module.AddConnection(cur)
		cur.AddConnection(prev.Module)
	}
}

type layerError struct {
	kind domain.ModuleKind
	name string
	err  error
}

func (a *Assembler) resolveLayers(route domain.RouteConfig) (map[domain.ModuleKind]domain.LayerConfig, []string, []layerError) {
	layers := make(map[domain.ModuleKind]domain.LayerConfig, len(route.Layers))
	var warnings []string
	var errs []layerError

	for _, layer := range route.Layers {
		var kind domain.ModuleKind
		switch {
		case strings.TrimSpace(layer.Kind) != "":
			parsed, err := domain.ParseModuleKind(layer.Kind)
			if err != nil {
				errs = append(errs, layerError{name: layer.Name, err: err})
				continue
			}
			kind = parsed
		case a.inferKind:
			inferred, ok := InferKind(layer.Name)
			if !ok {
				errs = append(errs, layerError{name: layer.Name,
					err: fmt.Errorf("%w: cannot infer kind from layer name %q", domain.ErrInvalidLayer, layer.Name)})
				continue
			}
			kind = inferred
			msg := fmt.Sprintf("route %q: layer %q has no kind, inferred %s from its name", route.ID, layer.Name, kind)
			warnings = append(warnings, msg)
			a.logger.Warn("layer kind inferred from name",
				"route_id", route.ID,
				"layer", layer.Name,
				"kind", kind,
			)
		default:
			errs = append(errs, layerError{name: layer.Name,
				err: fmt.Errorf("%w: layer %q has no kind", domain.ErrInvalidLayer, layer.Name)})
			continue
		}

		if _, dup := layers[kind]; dup {
			errs = append(errs, layerError{kind: kind, name: layer.Name,
				err: fmt.Errorf("%w: more than one %s layer", domain.ErrInvalidLayer, kind)})
			continue
		}
		layer.Kind = string(kind)
		layers[kind] = layer
	}
	return layers, warnings, errs
}

// Destroy stops and cleans up every module of every pipeline the assembler
// still holds. Pipelines handed to a manager should be released first.
func (a *Assembler) Destroy(ctx context.Context) error {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return nil
	}
	a.destroyed = true
	held := a.held
	a.held = make(map[string]*domain.AssembledPipeline)
	a.mu.Unlock()

	var errs []error
	for _, pipeline := range held {
		if err := a.release(ctx, pipeline); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Debug("assembler destroyed", "pipelines_released", len(held))
	return errors.Join(errs...)
}

// Release transfers ownership of pipelines to the caller. Destroy no longer
// touches them.
func (a *Assembler) Release(pipelines ...*domain.AssembledPipeline) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pipelines {
		if p != nil {
			delete(a.held, p.ID)
		}
	}
}

// Held returns the number of pipelines the assembler still owns.
func (a *Assembler) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.held)
}

func (a *Assembler) hold(p *domain.AssembledPipeline) {
	a.mu.Lock()
	a.held[p.ID] = p
	a.mu.Unlock()
}

func (a *Assembler) release(ctx context.Context, pipeline *domain.AssembledPipeline) error {
	var errs []error
	for _, m := range pipeline.Modules {
		if m.Module == nil {
			continue
		}
		if err := m.Module.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", m.Module.ID(), err))
		}
		if err := m.Module.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s: %w", m.Module.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// ModuleRegistryStats returns the statistics of the backing registry.
func (a *Assembler) ModuleRegistryStats() registry.Stats {
	return a.registry.Stats()
}

// ModuleCountByKind returns the number of registered descriptors of kind.
func (a *Assembler) ModuleCountByKind(kind domain.ModuleKind) int {
	return a.registry.Stats().ByKind[kind]
}
