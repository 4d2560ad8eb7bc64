// Package platform assembles a complete findswarm process: the in-process
// router, a registry (local or remote), the pool manager and the workers it
// spawns, the analysis bridge and the coordinator. With a local registry a
// liveness monitor also forgets workers whose mailbox has gone away.
package platform

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/findswarm/internal/analysis"
	"github.com/dreamware/findswarm/internal/bus"
	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/config"
	"github.com/dreamware/findswarm/internal/coordinator"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/pool"
	"github.com/dreamware/findswarm/internal/protocol"
	"github.com/dreamware/findswarm/internal/registry"
	"github.com/dreamware/findswarm/internal/worker"
)

// Well-known actor ids.
const (
	CoordinatorID = "coordinator"
	ManagerID     = "pool-manager"
	BridgeID      = "analysis-bridge"
)

// Platform owns every actor of one process.
type Platform struct {
	cfg         *config.Config
	logger      logging.Logger
	router      *bus.Router
	registry    registry.Registry
	manager     *pool.Manager
	bridge      *analysis.Bridge
	coordinator *coordinator.Coordinator
	monitor     *registry.LivenessMonitor
	cancel      context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker.Worker
}

// New wires the actors described by cfg. Nothing runs until Start.
func New(cfg *config.Config, notifier coordinator.Notifier, logger logging.Logger) (*Platform, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		cfg:     cfg,
		logger:  logger,
		router:  bus.NewRouter(),
		workers: make(map[string]*worker.Worker),
	}

	if cfg.Registry.URL != "" {
		p.registry = registry.NewClient(cfg.Registry.URL)
	} else {
		p.registry = registry.NewMemoryRegistry(registry.WithVisibilityDelay(cfg.Registry.VisibilityDelay))
	}

	p.manager = pool.New(ManagerID, p.router, p.registry, p.spawn, logger)

	analyzer := analysis.NewClient(cfg.Analysis.URL, cfg.Analysis.Instruction, cfg.Analysis.Timeout)
	p.bridge = analysis.NewBridge(BridgeID, p.router, p.registry, analyzer, logger)

	p.coordinator = coordinator.New(coordinator.Options{
		ID:              CoordinatorID,
		ExtractEnabled:  cfg.Extract.Enabled,
		ExtractDir:      cfg.Extract.Dir,
		AnalysisEnabled: cfg.Analysis.Enabled,
		Discovery: coordinator.DiscoveryPoll{
			MaxAttempts: cfg.Discovery.Attempts,
			Interval:    cfg.Discovery.Interval,
		},
	}, p.router, p.registry, notifier, logger)

	// a shared registry also lists other processes' workers, which this
	// router cannot check
	if cfg.Registry.URL == "" {
		p.monitor = registry.NewLivenessMonitor(p.registry, protocol.TagFileSearch,
			cfg.Liveness.Interval, cfg.Liveness.MaxFailures, p.mailboxAlive, logger.With("actor", "liveness"))
		p.monitor.SetOnUnhealthy(func(id string) {
			logger.Warn("worker evicted from registry", "worker", id)
		})
	}

	return p, nil
}

// Start launches the manager, the bridge, the coordinator and the monitor.
func (p *Platform) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := p.manager.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("platform: start pool manager: %w", err)
	}
	if err := p.bridge.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("platform: start analysis bridge: %w", err)
	}
	if err := p.coordinator.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("platform: start coordinator: %w", err)
	}
	if p.monitor != nil {
		p.monitor.Start(ctx)
	}

	p.logger.Info("platform started", "registry", p.registryKind(), "analysis", p.cfg.Analysis.URL)
	return nil
}

// Coordinator is the entry point for the view.
func (p *Platform) Coordinator() *coordinator.Coordinator { return p.coordinator }

// Registry returns the registry every actor shares.
func (p *Platform) Registry() registry.Registry { return p.registry }

// Router returns the in-process transport.
func (p *Platform) Router() *bus.Router { return p.router }

// Workers returns the ids of the workers that are still running, sorted.
func (p *Platform) Workers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for _, id := range maps.Keys(p.workers) {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Worker returns a running worker by id.
func (p *Platform) Worker(id string) (*worker.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

// Shutdown runs the coordinator's orderly shutdown, waits for it to finish
// and then closes the platform.
func (p *Platform) Shutdown(ctx context.Context) error {
	if err := p.coordinator.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-p.coordinator.Stopped():
	case <-ctx.Done():
		p.logger.Warn("shutdown acknowledgement not received", "error", ctx.Err())
	}
	return p.Close(ctx)
}

// Close stops every actor and waits for the workers to exit.
func (p *Platform) Close(ctx context.Context) error {
	if p.monitor != nil {
		p.monitor.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	pending := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range maps.Values(p.workers) {
		pending = append(pending, w)
	}
	p.mu.Unlock()

	for _, w := range pending {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return fmt.Errorf("platform: waiting for workers: %w", ctx.Err())
		}
	}
	p.logger.Info("platform stopped")
	return nil
}

func (p *Platform) spawn(ctx context.Context, id, root string, shallow bool) error {
	w := worker.New(worker.Config{
		ID:               id,
		Root:             root,
		Shallow:          shallow,
		RegisterAttempts: p.cfg.Registry.RegisterAttempts,
		RegisterBackoff:  p.cfg.Registry.RegisterBackoff,
	}, p.router, p.registry, p.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	p.workers[id] = w
	p.mu.Unlock()

	go func() {
		<-w.Done()
		p.mu.Lock()
		delete(p.workers, id)
		p.mu.Unlock()
	}()
	return nil
}

// mailboxAlive is the liveness check: a worker is alive while it is
// attached to the router.
func (p *Platform) mailboxAlive(_ context.Context, h cluster.WorkerHandle) error {
	if p.router.Alive(h.ID) {
		return nil
	}
	return fmt.Errorf("worker %s has no mailbox", h.ID)
}

func (p *Platform) registryKind() string {
	if p.cfg.Registry.URL != "" {
		return p.cfg.Registry.URL
	}
	return "memory"
}
