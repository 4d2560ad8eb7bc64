package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/findswarm/internal/bus"
	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/protocol"
	"github.com/dreamware/findswarm/internal/registry"
)

// Transport is the slice of the router the bridge needs.
type Transport interface {
	bus.Sender
	Attach(id string) (*bus.Mailbox, error)
	Detach(id string)
}

// Bridge answers AI_ANALYSIS requests. It is stateless: each request is
// handled on its own and replied to with the conversation id it carried.
type Bridge struct {
	transport Transport
	registry  registry.Registry
	analyzer  Analyzer
	logger    logging.Logger
	mailbox   *bus.Mailbox
	id        string
}

// NewBridge builds a bridge advertised under id.
func NewBridge(id string, transport Transport, reg registry.Registry, analyzer Analyzer, logger logging.Logger) *Bridge {
	return &Bridge{
		id:        id,
		transport: transport,
		registry:  reg,
		analyzer:  analyzer,
		logger:    logger.With("actor", id),
	}
}

// ID returns the bridge's actor id.
func (b *Bridge) ID() string { return b.id }

// Start attaches the mailbox, registers under the analysis-bridge tag and
// serves requests until ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	mb, err := b.transport.Attach(b.id)
	if err != nil {
		return err
	}
	b.mailbox = mb

	if err := b.registry.Register(ctx, cluster.WorkerHandle{ID: b.id, Tag: protocol.TagAnalysis}); err != nil {
		b.transport.Detach(b.id)
		return fmt.Errorf("analysis: register bridge: %w", err)
	}

	go b.loop(ctx)
	return nil
}

func (b *Bridge) loop(ctx context.Context) {
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.registry.Deregister(dctx, b.id)
		b.transport.Detach(b.id)
	}()

	for {
		env, err := b.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		if env.Topic != protocol.TopicAnalysis || env.Performative != protocol.Request {
			b.logger.Debug("ignoring message", "topic", env.Topic, "performative", env.Performative, "from", env.Sender)
			continue
		}
		b.handle(ctx, env)
	}
}

func (b *Bridge) handle(ctx context.Context, env protocol.Envelope) {
	path := protocol.ParseAnalyze(env.Payload)
	b.logger.Info("analysing", "path", path, "conversation", env.ConversationID)

	body, err := b.analyzer.Analyze(ctx, path)
	reply := env.Reply(protocol.Inform, body)
	if err != nil {
		b.logger.Warn("analysis failed", "path", path, "error", err)
		reply = env.Reply(protocol.Failure, protocol.AnalysisErrorPrefix+err.Error())
	}
	if err := b.transport.Send(reply); err != nil {
		b.logger.Warn("analysis reply undeliverable", "to", env.Sender, "error", err)
	}
}
