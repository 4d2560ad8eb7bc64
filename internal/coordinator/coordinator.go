package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/findswarm/internal/analysis"
	"github.com/dreamware/findswarm/internal/bus"
	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/protocol"
	"github.com/dreamware/findswarm/internal/registry"
)

// Rejections returned synchronously by the coordinator's operations.
var (
	ErrBlankFileName    = errors.New("coordinator: file name is blank")
	ErrNoWorkers        = errors.New("coordinator: no workers available, start the pool first")
	ErrAwaitingAnalysis = errors.New("coordinator: still waiting for the analysis of the previous search")
	ErrSearchInProgress = errors.New("coordinator: a search is already in progress")
	ErrNoExtractDir     = errors.New("coordinator: extraction is enabled but no extraction directory is set")
	ErrShuttingDown     = errors.New("coordinator: shutting down")
	ErrNoPoolManager    = errors.New("coordinator: no pool manager registered")
)

const registryTimeout = 5 * time.Second

// Transport is the slice of the router the coordinator needs.
type Transport interface {
	bus.Sender
	Attach(id string) (*bus.Mailbox, error)
	Detach(id string)
}

// Options configure a Coordinator.
type Options struct {
	ID              string
	ExtractEnabled  bool
	ExtractDir      string
	AnalysisEnabled bool
	// Discovery bounds the registry poll after a pool start. Expected is
	// filled in from the pool manager's reply.
	Discovery DiscoveryPoll
}

// Coordinator is the client-facing actor. Its exported methods are safe to
// call from any goroutine; replies from other actors are processed on its
// own loop.
type Coordinator struct {
	transport Transport
	registry  registry.Registry
	logger    logging.Logger
	notifier  Notifier
	newConvID func() string
	mailbox   *bus.Mailbox
	stopped   chan struct{}
	opts      Options

	mu sync.Mutex
	// guarded by mu
	workers          []cluster.WorkerHandle
	searches         map[string]*arbitration
	current          string
	awaitingAnalysis bool
	shuttingDown     bool
	pollCancel       context.CancelFunc
	pollGen          uint64
	stopOnce         sync.Once
}

// New builds a coordinator. A nil notifier discards events.
func New(opts Options, transport Transport, reg registry.Registry, notifier Notifier, logger logging.Logger) *Coordinator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Coordinator{
		opts:      opts,
		transport: transport,
		registry:  reg,
		notifier:  notifier,
		logger:    logger.With("actor", opts.ID),
		newConvID: uuid.NewString,
		searches:  make(map[string]*arbitration),
		stopped:   make(chan struct{}),
	}
}

// ID returns the coordinator's actor id.
func (c *Coordinator) ID() string { return c.opts.ID }

// Start attaches the mailbox and processes replies until ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	mb, err := c.transport.Attach(c.opts.ID)
	if err != nil {
		return err
	}
	c.mailbox = mb
	go c.loop(ctx)
	return nil
}

// Stopped is closed after Shutdown completes.
func (c *Coordinator) Stopped() <-chan struct{} { return c.stopped }

// SetExtraction toggles extraction for the next search.
func (c *Coordinator) SetExtraction(enabled bool, dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.ExtractEnabled = enabled
	c.opts.ExtractDir = strings.TrimSpace(dir)
}

// SetAnalysis toggles analysis forwarding for the next search.
func (c *Coordinator) SetAnalysis(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.AnalysisEnabled = enabled
}

// Workers returns the cached pool membership.
func (c *Coordinator) Workers() []cluster.WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.workers)
}

// Ready reports whether a search could be started now.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers) > 0 && !c.shuttingDown && !c.awaitingAnalysis && c.current == ""
}

func (c *Coordinator) emit(e Event) {
	c.notifier.Notify(e)
}

func (c *Coordinator) logf(format string, args ...any) {
	c.emit(Event{Kind: EventLog, Message: fmt.Sprintf(format, args...)})
}

func (c *Coordinator) findManager(ctx context.Context) (string, error) {
	managers, err := c.registry.Find(ctx, protocol.TagPoolManager)
	if err != nil {
		return "", fmt.Errorf("coordinator: pool manager lookup: %w", err)
	}
	if len(managers) == 0 {
		return "", ErrNoPoolManager
	}
	return managers[0].ID, nil
}

func (c *Coordinator) sendControl(to, payload string) error {
	return c.transport.Send(protocol.Envelope{
		Sender:       c.opts.ID,
		Receiver:     to,
		Topic:        protocol.TopicControl,
		Performative: protocol.Request,
		Payload:      payload,
	})
}

// RequestPoolStart asks the pool manager for a pool over root. Discovery of
// the new workers starts when the manager replies.
func (c *Coordinator) RequestPoolStart(ctx context.Context, root string) error {
	c.mu.Lock()
	shutting := c.shuttingDown
	c.mu.Unlock()
	if shutting {
		return ErrShuttingDown
	}

	manager, err := c.findManager(ctx)
	if err != nil {
		return err
	}
	if err := c.sendControl(manager, protocol.EncodeStartPool(root)); err != nil {
		return fmt.Errorf("coordinator: start pool: %w", err)
	}
	c.logger.Info("pool start requested", "root", root, "manager", manager)
	c.logf("Starting workers for %s...", root)
	return nil
}

// RequestPoolStop asks for teardown and forgets the cached workers at once.
// Any pending discovery poll and any unfinished search are abandoned.
func (c *Coordinator) RequestPoolStop(ctx context.Context) error {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()

	manager, err := c.findManager(ctx)
	if err != nil {
		return err
	}
	if err := c.sendControl(manager, protocol.EncodeStopPool()); err != nil {
		return fmt.Errorf("coordinator: stop pool: %w", err)
	}
	c.logger.Info("pool stop requested", "manager", manager)
	c.logf("Stop request sent.")
	return nil
}

// resetLocked cancels discovery and drops the cache and any open search.
func (c *Coordinator) resetLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.pollGen++
	c.workers = nil
	if c.current != "" {
		delete(c.searches, c.current)
		c.current = ""
	}
	c.awaitingAnalysis = false
}

// Search dispatches fileName to every cached worker and returns the new
// conversation id. The outcome arrives later as an EventSearchFinished.
func (c *Coordinator) Search(ctx context.Context, fileName string) (string, error) {
	name := strings.TrimSpace(fileName)

	c.mu.Lock()
	if err := c.admitLocked(name); err != nil {
		c.mu.Unlock()
		return "", err
	}

	conv := c.newConvID()
	job := protocol.SearchJob{ConversationID: conv, FileName: name}
	if c.opts.ExtractEnabled {
		job.ExtractDir = c.opts.ExtractDir
	}
	arb := newArbitration(conv, name, len(c.workers), c.opts.ExtractEnabled)
	c.searches[conv] = arb
	c.current = conv
	c.mu.Unlock()

	// announced before any SEARCH leaves, so no reply can be rendered first
	c.emit(Event{Kind: EventLog, ConversationID: conv, Message: "Searching for " + name + " ..."})

	c.mu.Lock()
	if c.searches[conv] != arb {
		// abandoned by a pool stop or shutdown while announcing
		c.mu.Unlock()
		c.logger.Debug("search abandoned before dispatch", "conversation", conv)
		return conv, nil
	}

	// replies are processed on the loop, which needs mu, so none is counted
	// before every SEARCH has gone out
	arb.expected = len(c.workers)
	payload := job.Encode()
	for _, w := range c.workers {
		err := c.transport.Send(protocol.Envelope{
			Sender:         c.opts.ID,
			Receiver:       w.ID,
			Topic:          protocol.TopicFileSearch,
			Performative:   protocol.Request,
			ConversationID: conv,
			Payload:        payload,
		})
		if err != nil {
			arb.expected--
			c.logger.Warn("worker unreachable, not waiting for it", "worker", w.ID, "error", err)
		}
	}
	total, reachable := len(c.workers), arb.expected
	if reachable <= 0 {
		delete(c.searches, conv)
		c.current = ""
	}
	c.mu.Unlock()

	c.logger.Info("search dispatched", "conversation", conv, "file", name, "workers", total, "reachable", reachable)
	if reachable <= 0 {
		c.emit(Event{Kind: EventSearchFinished, ConversationID: conv, Outcome: OutcomeNotFound,
			Message: "Not found: " + name})
	}
	return conv, nil
}

func (c *Coordinator) admitLocked(name string) error {
	switch {
	case c.shuttingDown:
		return ErrShuttingDown
	case name == "":
		return ErrBlankFileName
	case c.awaitingAnalysis:
		return ErrAwaitingAnalysis
	case c.current != "":
		return ErrSearchInProgress
	case len(c.workers) == 0:
		return ErrNoWorkers
	case c.opts.ExtractEnabled && c.opts.ExtractDir == "":
		return ErrNoExtractDir
	}
	return nil
}

// Shutdown abandons discovery and any search, asks for pool teardown and
// stops once the manager acknowledges. Without a manager it stops at once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.shuttingDown = true
	c.resetLocked()
	c.mu.Unlock()

	c.logf("Shutting down...")
	manager, err := c.findManager(ctx)
	if err == nil {
		err = c.sendControl(manager, protocol.EncodeStopPool())
	}
	if err != nil {
		c.logger.Warn("teardown not requested, stopping now", "error", err)
		c.finishShutdown()
	}
	return nil
}

func (c *Coordinator) finishShutdown() {
	c.stopOnce.Do(func() {
		c.emit(Event{Kind: EventShutdown, Message: "Shutting down platform."})
		close(c.stopped)
	})
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.transport.Detach(c.opts.ID)

	for {
		env, err := c.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		c.logger.Debug("received", "from", env.Sender, "topic", env.Topic, "performative", env.Performative, "payload", env.Payload)

		switch env.Topic {
		case protocol.TopicControl:
			c.handleControl(ctx, env)
		case protocol.TopicFileSearch:
			r, err := protocol.ParseResult(env.Payload)
			if err != nil {
				c.logger.Warn("dropping malformed result", "from", env.Sender, "error", err)
				continue
			}
			c.HandleResult(r)
		case protocol.TopicAnalysis:
			c.handleAnalysis(env)
		}
	}
}

func (c *Coordinator) handleControl(ctx context.Context, env protocol.Envelope) {
	ctl, err := protocol.ParseControl(env.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed control", "from", env.Sender, "error", err)
		return
	}

	switch ctl.Kind {
	case protocol.ControlStarted:
		c.logf("Workers started (%d). Refreshing the registry...", ctl.Count)
		c.startDiscovery(ctx, ctl.Count)
	case protocol.ControlStoppedOK:
		c.emit(Event{Kind: EventPoolStopped, Message: "Workers stopped."})
		c.mu.Lock()
		shutting := c.shuttingDown
		c.mu.Unlock()
		if shutting {
			c.finishShutdown()
		}
	}
}

func (c *Coordinator) startDiscovery(ctx context.Context, expected int) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	if c.pollCancel != nil {
		c.pollCancel()
	}
	pctx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollGen++
	gen := c.pollGen
	poll := c.opts.Discovery
	c.mu.Unlock()

	poll.Expected = expected
	go func() {
		defer cancel()

		res := poll.Run(pctx, func(ctx context.Context) ([]cluster.WorkerHandle, error) {
			handles, err := c.registry.Find(ctx, protocol.TagFileSearch)
			if err != nil {
				c.logger.Warn("registry lookup failed", "error", err)
			}
			return handles, err
		})

		c.mu.Lock()
		if gen != c.pollGen || res.Reason == ReasonCancelled {
			c.mu.Unlock()
			return
		}
		c.workers = res.Handles
		c.pollCancel = nil
		c.mu.Unlock()

		n := len(res.Handles)
		c.logger.Info("discovery finished", "expected", expected, "found", n, "attempts", res.Attempts, "reason", res.Reason)
		msg := fmt.Sprintf("Workers available: %d", n)
		switch {
		case n == 0:
			msg += ". No workers found in the registry, try starting again."
		case n < expected:
			c.logger.Warn("pool smaller than expected, searching with what is known", "expected", expected, "found", n)
			msg += fmt.Sprintf(" of %d expected. Ready.", expected)
		default:
			msg += ". Ready."
		}
		c.emit(Event{Kind: EventPoolReady, Workers: n, Expected: expected, Message: msg})
	}()
}

// HandleResult runs one worker reply through arbitration. It is what the
// loop calls for every FILE_SEARCH reply and is safe to call concurrently.
func (c *Coordinator) HandleResult(r protocol.SearchResult) Verdict {
	c.mu.Lock()
	arb, ok := c.searches[r.ConversationID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("stale result dropped", "conversation", r.ConversationID, "result", r.Kind)
		return VerdictIgnored
	}

	verdict := arb.accept(r)
	switch verdict {
	case VerdictIgnored, VerdictPending:
		c.mu.Unlock()
		return verdict

	case VerdictExhausted:
		delete(c.searches, arb.conversationID)
		c.current = ""
		c.mu.Unlock()

		c.logger.Info("search finished", "conversation", arb.conversationID, "outcome", OutcomeNotFound)
		c.emit(Event{Kind: EventSearchFinished, ConversationID: arb.conversationID, Outcome: OutcomeNotFound,
			Message: "Not found: " + arb.fileName})
		return verdict
	}

	// VerdictWon
	workers := slices.Clone(c.workers)
	analyse := c.opts.AnalysisEnabled
	if analyse {
		c.awaitingAnalysis = true
	} else {
		delete(c.searches, arb.conversationID)
		c.current = ""
	}
	c.mu.Unlock()

	conv := arb.conversationID
	c.logger.Info("winner decided", "conversation", conv, "path", r.OriginalPath)
	c.emit(Event{Kind: EventLog, ConversationID: conv, Winner: r, Message: "FOUND: " + r.OriginalPath})
	if arb.extract && r.ExtractedPath != "" {
		c.emit(Event{Kind: EventLog, ConversationID: conv, Message: "Extracted to: " + r.ExtractedPath})
	}

	stop := protocol.EncodeStop(conv)
	for _, w := range workers {
		err := c.transport.Send(protocol.Envelope{
			Sender:         c.opts.ID,
			Receiver:       w.ID,
			Topic:          protocol.TopicFileSearch,
			Performative:   protocol.Request,
			ConversationID: conv,
			Payload:        stop,
		})
		if err != nil {
			c.logger.Debug("stop undeliverable", "worker", w.ID, "error", err)
		}
	}

	if !analyse {
		c.emit(Event{Kind: EventSearchFinished, ConversationID: conv, Outcome: OutcomeFound, Winner: r,
			Message: "Found: " + r.OriginalPath})
		return verdict
	}

	c.emit(Event{Kind: EventLog, ConversationID: conv, Message: "Sending to analysis..."})
	if err := c.requestAnalysis(conv, arb.analysisPath()); err != nil {
		c.logger.Warn("analysis not requested", "conversation", conv, "error", err)
		c.completeAnalysis(conv, protocol.AnalysisErrorPrefix+err.Error(), true)
	}
	return verdict
}

func (c *Coordinator) requestAnalysis(conv, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	bridges, err := c.registry.Find(ctx, protocol.TagAnalysis)
	if err != nil {
		return err
	}
	if len(bridges) == 0 {
		return errors.New("no analysis bridge registered")
	}
	return c.transport.Send(protocol.Envelope{
		Sender:         c.opts.ID,
		Receiver:       bridges[0].ID,
		Topic:          protocol.TopicAnalysis,
		Performative:   protocol.Request,
		ConversationID: conv,
		Payload:        protocol.EncodeAnalyze(path),
	})
}

func (c *Coordinator) handleAnalysis(env protocol.Envelope) {
	text := env.Payload
	failed := env.Performative == protocol.Failure
	if !failed {
		text = analysis.ExtractAnswer(text)
	}
	c.completeAnalysis(env.ConversationID, text, failed)
}

// completeAnalysis finalises a found search once its analysis, or the
// failure to get one, is known. Replies for any other conversation are dropped.
func (c *Coordinator) completeAnalysis(conv, text string, failed bool) {
	c.mu.Lock()
	arb, ok := c.searches[conv]
	if !ok || !c.awaitingAnalysis || conv != c.current {
		c.mu.Unlock()
		c.logger.Debug("stale analysis reply dropped", "conversation", conv)
		return
	}
	c.awaitingAnalysis = false
	delete(c.searches, conv)
	c.current = ""
	c.mu.Unlock()

	c.emit(Event{Kind: EventAnalysis, ConversationID: conv, Message: text, AnalysisFailed: failed, Winner: arb.winner})
	c.emit(Event{Kind: EventSearchFinished, ConversationID: conv, Outcome: OutcomeFound, Winner: arb.winner,
		Message: "Found: " + arb.winner.OriginalPath})
}
