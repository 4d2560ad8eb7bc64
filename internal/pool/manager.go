// Package pool implements the pool manager actor, which builds and tears down
// the set of search workers covering one root directory.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/findswarm/internal/bus"
	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/protocol"
	"github.com/dreamware/findswarm/internal/registry"
)

// Transport is the slice of the router the manager needs.
type Transport interface {
	bus.Sender
	Attach(id string) (*bus.Mailbox, error)
	Detach(id string)
}

// SpawnFunc creates and starts one worker. Shallow workers only look at the
// files directly inside root.
type SpawnFunc func(ctx context.Context, id, root string, shallow bool) error

// Option customises a Manager.
type Option func(*Manager)

// WithHomeDir replaces os.UserHomeDir as the fallback root.
func WithHomeDir(fn func() (string, error)) Option { return func(m *Manager) { m.homeDir = fn } }

// WithClock replaces time.Now in worker names.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

// Manager spawns one worker for a root and one per immediate child directory.
type Manager struct {
	transport Transport
	registry  registry.Registry
	spawn     SpawnFunc
	logger    logging.Logger
	homeDir   func() (string, error)
	now       func() time.Time
	mailbox   *bus.Mailbox
	id        string
	spawned   []string
	seq       atomic.Uint64
	mu        sync.Mutex
}

// New builds a manager advertised under id.
func New(id string, transport Transport, reg registry.Registry, spawn SpawnFunc, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		id:        id,
		transport: transport,
		registry:  reg,
		spawn:     spawn,
		logger:    logger.With("actor", id),
		homeDir:   os.UserHomeDir,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the manager's actor id.
func (m *Manager) ID() string { return m.id }

// Start attaches the mailbox, registers under the pool-manager tag and serves
// CONTROL requests until ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	mb, err := m.transport.Attach(m.id)
	if err != nil {
		return err
	}
	m.mailbox = mb

	if err := m.registry.Register(ctx, cluster.WorkerHandle{ID: m.id, Tag: protocol.TagPoolManager}); err != nil {
		m.transport.Detach(m.id)
		return fmt.Errorf("pool: register manager: %w", err)
	}

	go m.loop(ctx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.registry.Deregister(dctx, m.id)
		m.transport.Detach(m.id)
	}()

	for {
		env, err := m.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		if env.Topic != protocol.TopicControl {
			m.logger.Debug("ignoring message on foreign topic", "topic", env.Topic, "from", env.Sender)
			continue
		}
		ctl, err := protocol.ParseControl(env.Payload)
		if err != nil {
			m.logger.Warn("dropping malformed control", "from", env.Sender, "error", err)
			continue
		}

		var reply string
		switch ctl.Kind {
		case protocol.ControlStartPool:
			reply = protocol.EncodeStarted(m.SpawnPool(ctx, ctl.Root))
		case protocol.ControlStopPool:
			m.TeardownPool(ctx)
			reply = protocol.EncodeStoppedOK()
		default:
			m.logger.Debug("ignoring control reply addressed to manager", "payload", env.Payload)
			continue
		}
		if err := m.transport.Send(env.Reply(protocol.Inform, reply)); err != nil {
			m.logger.Warn("control reply undeliverable", "to", env.Sender, "error", err)
		}
	}
}

// SpawnPool replaces the current pool with workers for root and returns how
// many were started. An empty root means the home directory. An invalid root
// spawns nothing, leaves the current pool alone and returns 0.
func (m *Manager) SpawnPool(ctx context.Context, root string) int {
	root, children, err := m.resolve(root)
	if err != nil {
		m.logger.Warn("refusing to spawn pool", "root", root, "error", err)
		return 0
	}

	m.TeardownPool(ctx)

	seq := m.seq.Add(1)
	stamp := m.now().UnixMilli()

	type plan struct {
		id, root string
		shallow  bool
	}
	plans := make([]plan, 0, len(children)+1)
	plans = append(plans, plan{id: fmt.Sprintf("finder_root_%d_%d", seq, stamp), root: root, shallow: true})
	for i, child := range children {
		plans = append(plans, plan{id: fmt.Sprintf("finder_%d_%d_%d", i, seq, stamp), root: child})
	}

	started := 0
	for _, p := range plans {
		if err := m.spawn(ctx, p.id, p.root, p.shallow); err != nil {
			m.logger.Error("worker spawn failed", "id", p.id, "root", p.root, "error", err)
			continue
		}
		m.mu.Lock()
		m.spawned = append(m.spawned, p.id)
		m.mu.Unlock()
		started++
	}
	m.logger.Info("pool spawned", "root", root, "workers", started, "planned", len(plans))
	return started
}

func (m *Manager) resolve(root string) (string, []string, error) {
	if root == "" {
		home, err := m.homeDir()
		if err != nil {
			return root, nil, fmt.Errorf("pool: no root and no home directory: %w", err)
		}
		root = home
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return root, nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return abs, nil, err
	}
	if !info.IsDir() {
		return abs, nil, errors.New("pool: root is not a directory")
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return abs, nil, err
	}
	var children []string
	for _, e := range entries {
		if e.IsDir() {
			children = append(children, filepath.Join(abs, e.Name()))
		}
	}
	return abs, children, nil
}

// TeardownPool sends TERMINATE to every worker registered under file-search
// and to every worker this manager spawned, without waiting. It returns the
// number of workers addressed.
func (m *Manager) TeardownPool(ctx context.Context) int {
	handles, err := m.registry.Find(ctx, protocol.TagFileSearch)
	if err != nil {
		m.logger.Warn("registry lookup failed during teardown", "error", err)
	}

	m.mu.Lock()
	targets := append(registry.IDs(handles), m.spawned...)
	m.spawned = nil
	m.mu.Unlock()

	slices.Sort(targets)
	targets = slices.Compact(targets)

	for _, id := range targets {
		err := m.transport.Send(protocol.Envelope{
			Sender:       m.id,
			Receiver:     id,
			Topic:        protocol.TopicFileSearch,
			Performative: protocol.Request,
			Payload:      protocol.EncodeTerminate(),
		})
		if err != nil {
			m.logger.Debug("terminate undeliverable", "worker", id, "error", err)
		}
	}
	if len(targets) > 0 {
		m.logger.Info("pool teardown requested", "workers", len(targets))
	}
	return len(targets)
}

// Spawned returns the ids of the workers started since the last teardown.
func (m *Manager) Spawned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.spawned)
}
