package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// DefaultDebounce coalesces bursts of file events from editors and atomic renames.
const DefaultDebounce = 100 * time.Millisecond

// RouteFileProvider watches a route file and publishes every valid revision.
// Invalid revisions are logged and skipped; subscribers keep the last good set.
type RouteFileProvider struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.RWMutex
	routes      []domain.RouteConfig
	generation  int64
	subscribers []chan []domain.RouteConfig

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRouteFileProvider loads path and starts watching its directory. The
// initial load must succeed.
func NewRouteFileProvider(path string, logger *slog.Logger) (*RouteFileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &RouteFileProvider{
		path:     absPath,
		logger:   logger.With("component", "route-file-provider", "path", absPath),
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}
	if err := p.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Routes returns the last valid route set.
func (p *RouteFileProvider) Routes() []domain.RouteConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.routes
}

// Generation counts successful loads, starting at 1.
func (p *RouteFileProvider) Generation() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// Subscribe returns a channel that receives each new valid route set. Slow
// consumers miss intermediate revisions, never the latest one.
func (p *RouteFileProvider) Subscribe() <-chan []domain.RouteConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan []domain.RouteConfig, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher. Subscriber channels are closed.
func (p *RouteFileProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *RouteFileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.load(); err != nil {
					p.logger.Warn("route file reload rejected", "error", err)
					return
				}
				p.logger.Info("route file reloaded", "generation", p.Generation())
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("route file watcher error", "error", err)
		}
	}
}

func (p *RouteFileProvider) load() error {
	routes, err := LoadRoutes(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.routes = routes
	p.generation++
	subscribers := make([]chan []domain.RouteConfig, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		// Drop a stale pending revision so the latest one always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- routes:
		default:
		}
	}
	return nil
}
