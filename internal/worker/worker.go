// Package worker implements the search worker actor.
//
// A worker owns one directory, runs at most one search at a time and talks
// to the rest of the swarm only through its mailbox. The command loop and
// the search goroutine share the worker lock and an atomic cancel flag;
// nothing else crosses between them.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/findswarm/internal/bus"
	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/finder"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/protocol"
	"github.com/dreamware/findswarm/internal/registry"
)

// Transport is the slice of the router a worker needs.
type Transport interface {
	bus.Sender
	Attach(id string) (*bus.Mailbox, error)
	Detach(id string)
}

// SearchFunc walks root for name. See finder.Search.
type SearchFunc func(root, name string, shallow bool, cancelled func() bool) (string, error)

// ExtractFunc copies src into dir. See finder.Extract.
type ExtractFunc func(src, dir string) (string, error)

// Config identifies a worker and its registration policy.
type Config struct {
	ID   string
	Root string
	// Shallow restricts the walk to the files directly inside Root.
	Shallow          bool
	RegisterAttempts int
	RegisterBackoff  time.Duration
}

// Option customises a Worker.
type Option func(*Worker)

// WithSearchFunc replaces the filesystem walk.
func WithSearchFunc(fn SearchFunc) Option { return func(w *Worker) { w.search = fn } }

// WithExtractFunc replaces the extraction copy.
func WithExtractFunc(fn ExtractFunc) Option { return func(w *Worker) { w.extract = fn } }

// Stats is a snapshot of a worker's job counters.
type Stats struct {
	Accepted  uint64
	Dropped   uint64
	Found     uint64
	NotFound  uint64
	Cancelled uint64
	Errors    uint64
}

type counters struct {
	accepted, dropped, found, notFound, cancelled, errors atomic.Uint64
}

// Worker is a search actor bound to one directory.
type Worker struct {
	cfg       Config
	transport Transport
	registry  registry.Registry
	logger    logging.Logger
	search    SearchFunc
	extract   ExtractFunc
	mailbox   *bus.Mailbox
	done      chan struct{}

	// guarded by mu
	state      State
	activeConv string

	mu        sync.Mutex
	cancel    atomic.Bool
	stats     counters
	closeOnce sync.Once
}

// New builds a worker. It does nothing until Start.
func New(cfg Config, transport Transport, reg registry.Registry, logger logging.Logger, opts ...Option) *Worker {
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = 1
	}
	w := &Worker{
		cfg:       cfg,
		transport: transport,
		registry:  reg,
		logger:    logger.With("actor", cfg.ID, "root", cfg.Root),
		search:    finder.Search,
		extract:   finder.Extract,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start attaches the worker's mailbox, enters Idle and runs the command loop
// in a new goroutine. Registration happens inside that goroutine; if it fails
// the worker stays alive but undiscoverable.
func (w *Worker) Start(ctx context.Context) error {
	mb, err := w.transport.Attach(w.cfg.ID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.mailbox = mb
	w.state = StateIdle
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.terminate()

	w.register(ctx)

	for {
		env, err := w.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		if env.Topic != protocol.TopicFileSearch {
			w.logger.Debug("ignoring message on foreign topic", "topic", env.Topic, "from", env.Sender)
			continue
		}
		cmd, err := protocol.ParseCommand(env.Payload)
		if err != nil {
			w.logger.Warn("dropping malformed command", "from", env.Sender, "error", err)
			continue
		}

		switch cmd.Name {
		case protocol.CmdSearch:
			w.submit(env, cmd.Job)
		case protocol.CmdStop:
			w.Stop(cmd.ConversationID)
		case protocol.CmdTerminate:
			w.logger.Info("terminate requested", "from", env.Sender)
			return
		}
	}
}

func (w *Worker) register(ctx context.Context) {
	h := cluster.WorkerHandle{ID: w.cfg.ID, Tag: protocol.TagFileSearch, Root: w.cfg.Root}

	var err error
	for attempt := 1; attempt <= w.cfg.RegisterAttempts; attempt++ {
		if err = w.registry.Register(ctx, h); err == nil {
			w.logger.Debug("registered", "attempt", attempt)
			return
		}
		if attempt < w.cfg.RegisterAttempts {
			select {
			case <-time.After(w.cfg.RegisterBackoff):
			case <-ctx.Done():
				return
			}
		}
	}
	w.logger.Warn("registration failed, running undiscoverable", "error", err)
}

// submit accepts job only from Idle. A busy worker drops it without a reply.
func (w *Worker) submit(req protocol.Envelope, job protocol.SearchJob) {
	w.mu.Lock()
	if err := transition(&w.state, StateIdle, StateSearching); err != nil {
		active := w.activeConv
		w.mu.Unlock()
		w.stats.dropped.Add(1)
		w.logger.Debug("busy, dropping job", "conversation", job.ConversationID, "active", active)
		return
	}
	w.activeConv = job.ConversationID
	w.cancel.Store(false)
	w.mu.Unlock()

	w.stats.accepted.Add(1)
	w.logger.Debug("search started", "conversation", job.ConversationID, "file", job.FileName)
	go w.run(req, job)
}

func (w *Worker) run(req protocol.Envelope, job protocol.SearchJob) {
	result := w.execute(job)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateTerminated {
		w.logger.Debug("terminated mid-search, result discarded", "conversation", job.ConversationID, "result", result.Kind)
		return
	}
	if err := transition(&w.state, StateSearching, StateReporting); err != nil {
		w.logger.Error("unexpected state after search", "error", err)
		return
	}
	w.count(result.Kind)
	if err := w.transport.Send(req.Reply(result.Performative(), result.Encode())); err != nil {
		w.logger.Warn("result undeliverable", "conversation", job.ConversationID, "error", err)
	}
	_ = transition(&w.state, StateReporting, StateIdle)
	w.activeConv = ""
	w.logger.Debug("search finished", "conversation", job.ConversationID, "result", result.Kind)
}

func (w *Worker) execute(job protocol.SearchJob) protocol.SearchResult {
	conv := job.ConversationID

	match, err := w.search(w.cfg.Root, job.FileName, w.cfg.Shallow, w.cancel.Load)
	switch {
	case errors.Is(err, finder.ErrCancelled):
		return protocol.Cancelled(conv, w.cfg.Root)
	case err != nil:
		return protocol.Failed(conv, err.Error())
	}
	// a stop that lands after the walk still wins over the report
	if w.cancel.Load() {
		return protocol.Cancelled(conv, w.cfg.Root)
	}
	if match == "" {
		return protocol.NotFound(conv, w.cfg.Root)
	}

	var extracted string
	if job.Extracts() {
		extracted, err = w.extract(match, job.ExtractDir)
		if err != nil {
			return protocol.Failed(conv, "extraction failed: "+err.Error())
		}
	}
	return protocol.Found(conv, match, extracted)
}

func (w *Worker) count(kind protocol.ResultKind) {
	switch kind {
	case protocol.ResultFound:
		w.stats.found.Add(1)
	case protocol.ResultNotFound:
		w.stats.notFound.Add(1)
	case protocol.ResultCancelled:
		w.stats.cancelled.Add(1)
	default:
		w.stats.errors.Add(1)
	}
}

// Stop cancels the active job if, and only if, it belongs to conversationID.
func (w *Worker) Stop(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateSearching || w.activeConv != conversationID {
		w.logger.Debug("ignoring stale stop", "conversation", conversationID, "active", w.activeConv, "state", w.state)
		return
	}
	w.cancel.Store(true)
	w.logger.Debug("cancelling search", "conversation", conversationID)
}

// Terminate ends the worker from outside its mailbox.
func (w *Worker) Terminate() {
	w.terminate()
}

func (w *Worker) terminate() {
	w.mu.Lock()
	if w.state == StateTerminated {
		w.mu.Unlock()
		return
	}
	w.state = StateTerminated
	w.cancel.Store(true)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.registry.Deregister(ctx, w.cfg.ID); err != nil {
		w.logger.Warn("deregistration failed", "error", err)
	}
	w.transport.Detach(w.cfg.ID)
	w.closeOnce.Do(func() { close(w.done) })
	w.logger.Info("terminated")
}

// ID returns the worker's actor id.
func (w *Worker) ID() string { return w.cfg.ID }

// Root returns the directory the worker searches.
func (w *Worker) Root() string { return w.cfg.Root }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed once the worker has terminated.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stats returns a snapshot of the job counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Accepted:  w.stats.accepted.Load(),
		Dropped:   w.stats.dropped.Load(),
		Found:     w.stats.found.Load(),
		NotFound:  w.stats.notFound.Load(),
		Cancelled: w.stats.cancelled.Load(),
		Errors:    w.stats.errors.Load(),
	}
}
