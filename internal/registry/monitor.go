package registry

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
)

// Liveness states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServiceHealth tracks check results for one registered service.
type ServiceHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	ID               string
	Status           string
	ConsecutiveFails int
}

// CheckFunc checks one handle and returns nil when it is alive.
type CheckFunc func(ctx context.Context, h cluster.WorkerHandle) error

// LivenessMonitor periodically checks every handle registered under a tag and
// deregisters those that fail maxFailures checks in a row. This is how a
// worker that exited without deregistering eventually disappears from Find.
//
// Thread-safe: all methods may be called concurrently.
type LivenessMonitor struct {
	reg         Registry
	logger      logging.Logger
	services    map[string]*ServiceHealth
	checkFunc   CheckFunc
	onUnhealthy func(id string)
	ctx         context.Context
	cancel      context.CancelFunc
	tag         string
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewLivenessMonitor creates a monitor for the handles under tag. check decides
// whether a handle is alive; a nil check treats every handle as alive, so
// nothing is ever evicted.
func NewLivenessMonitor(reg Registry, tag string, interval time.Duration, maxFailures int, check CheckFunc, logger logging.Logger) *LivenessMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	m := &LivenessMonitor{
		reg:         reg,
		logger:      logger,
		services:    make(map[string]*ServiceHealth),
		checkFunc:   check,
		ctx:         ctx,
		cancel:      cancel,
		tag:         tag,
		interval:    interval,
		maxFailures: maxFailures,
	}
	if m.checkFunc == nil {
		m.checkFunc = func(context.Context, cluster.WorkerHandle) error { return nil }
	}
	return m
}

// SetOnUnhealthy registers a callback invoked once per service when it is
// evicted.
func (m *LivenessMonitor) SetOnUnhealthy(callback func(id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = callback
}

// Start runs the check loop in a new goroutine until ctx ends or Stop is called.
func (m *LivenessMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.logger.Info("liveness monitor started", "tag", m.tag, "interval", m.interval)
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the check loop and waits for it to exit.
func (m *LivenessMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Sweep checks every handle once. It is what the loop runs on each tick.
func (m *LivenessMonitor) Sweep(ctx context.Context) {
	handles, err := m.reg.Find(ctx, m.tag)
	if err != nil {
		m.logger.Warn("liveness sweep: registry lookup failed", "tag", m.tag, "error", err)
		return
	}

	current := make(map[string]bool, len(handles))
	for _, h := range handles {
		current[h.ID] = true
		m.check(ctx, h)
	}

	m.mu.Lock()
	for id := range m.services {
		if !current[id] {
			delete(m.services, id)
		}
	}
	m.mu.Unlock()
}

func (m *LivenessMonitor) check(ctx context.Context, h cluster.WorkerHandle) {
	m.mu.Lock()
	health, exists := m.services[h.ID]
	if !exists {
		now := time.Now()
		health = &ServiceHealth{ID: h.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		m.services[h.ID] = health
	}
	m.mu.Unlock()

	err := m.checkFunc(ctx, h)

	m.mu.Lock()
	health.LastCheck = time.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			m.logger.Info("service recovered", "id", h.ID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		m.mu.Unlock()
		return
	}

	health.ConsecutiveFails++
	m.logger.Debug("liveness check failed", "id", h.ID, "attempt", health.ConsecutiveFails, "max", m.maxFailures, "error", err)
	evict := health.ConsecutiveFails >= m.maxFailures && health.Status != StatusUnhealthy
	if evict {
		health.Status = StatusUnhealthy
	}
	callback := m.onUnhealthy
	m.mu.Unlock()

	if !evict {
		return
	}
	m.logger.Warn("evicting unresponsive service", "id", h.ID, "failures", m.maxFailures)
	if err := m.reg.Deregister(ctx, h.ID); err != nil {
		m.logger.Warn("eviction failed", "id", h.ID, "error", err)
	}
	if callback != nil {
		callback(h.ID)
	}
}

// Health returns a copy of the tracked state for id, or nil.
func (m *LivenessMonitor) Health(id string) *ServiceHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.services[id]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// IsHealthy reports whether id passed its last check.
func (m *LivenessMonitor) IsHealthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.services[id]
	return ok && h.Status == StatusHealthy
}
