package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/findswarm/internal/bus"
	"github.com/dreamware/findswarm/internal/cluster"
	"github.com/dreamware/findswarm/internal/logging"
	"github.com/dreamware/findswarm/internal/protocol"
	"github.com/dreamware/findswarm/internal/registry"
)

type fixture struct {
	router *bus.Router
	reg    *registry.MemoryRegistry
	coord  *Coordinator
	events chan Event
	boxes  map[string]*bus.Mailbox
}

func newFixture(t *testing.T, opts Options, workers ...string) *fixture {
	t.Helper()
	f := &fixture{
		router: bus.NewRouter(),
		reg:    registry.NewMemoryRegistry(),
		events: make(chan Event, 256),
		boxes:  map[string]*bus.Mailbox{},
	}
	if opts.ID == "" {
		opts.ID = "coordinator"
	}
	if opts.Discovery.MaxAttempts == 0 {
		opts.Discovery = DiscoveryPoll{MaxAttempts: 10, Interval: 5 * time.Millisecond}
	}
	f.coord = New(opts, f.router, f.reg, NotifierFunc(func(e Event) { f.events <- e }), logging.NewNop())
	f.coord.newConvID = func() string { return "c1" }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.coord.Start(ctx))

	handles := make([]cluster.WorkerHandle, 0, len(workers))
	for _, id := range workers {
		f.attach(t, id)
		handles = append(handles, cluster.WorkerHandle{ID: id, Tag: protocol.TagFileSearch})
	}
	f.coord.mu.Lock()
	f.coord.workers = handles
	f.coord.mu.Unlock()
	return f
}

func (f *fixture) attach(t *testing.T, id string) *bus.Mailbox {
	t.Helper()
	mb, err := f.router.Attach(id)
	require.NoError(t, err)
	f.boxes[id] = mb
	return mb
}

// reply sends a worker result to the coordinator through the router.
func (f *fixture) reply(t *testing.T, from string, r protocol.SearchResult) {
	t.Helper()
	require.NoError(t, f.router.Send(protocol.Envelope{
		Sender:         from,
		Receiver:       f.coord.ID(),
		Topic:          protocol.TopicFileSearch,
		Performative:   r.Performative(),
		ConversationID: r.ConversationID,
		Payload:        r.Encode(),
	}))
}

func (f *fixture) next(t *testing.T, id string) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := f.boxes[id].Receive(ctx)
	require.NoError(t, err, "nothing delivered to %s", id)
	return env
}

func (f *fixture) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no event of kind %d", kind)
		}
	}
}

func (f *fixture) noEvent(t *testing.T, kind EventKind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case e := <-f.events:
			require.NotEqual(t, kind, e.Kind, "unexpected event %+v", e)
		case <-deadline:
			return
		}
	}
}

func TestArbitrationAccept(t *testing.T) {
	a := newArbitration("c1", "report.pdf", 3, false)

	assert.Equal(t, VerdictIgnored, a.accept(protocol.NotFound("other", "/x")))
	assert.Equal(t, 0, a.received)

	assert.Equal(t, VerdictPending, a.accept(protocol.NotFound("c1", "/a")))
	assert.Equal(t, VerdictPending, a.accept(protocol.Failed("c1", "denied")))
	assert.Equal(t, VerdictWon, a.accept(protocol.Found("c1", "/c/report.pdf", "")))
	assert.True(t, a.winnerDecided)

	// after a winner nothing else counts, not even another match
	assert.Equal(t, VerdictIgnored, a.accept(protocol.Found("c1", "/d/report.pdf", "")))
	assert.Equal(t, "/c/report.pdf", a.winner.OriginalPath)
	assert.Equal(t, 3, a.received)

	b := newArbitration("c2", "x", 2, false)
	assert.Equal(t, VerdictPending, b.accept(protocol.NotFound("c2", "/a")))
	assert.Equal(t, VerdictExhausted, b.accept(protocol.Cancelled("c2", "/b")))
}

func TestArbitrationAnalysisPath(t *testing.T) {
	a := newArbitration("c1", "f", 1, true)
	a.accept(protocol.Found("c1", "/orig/f", "/out/f"))
	assert.Equal(t, "/out/f", a.analysisPath())

	b := newArbitration("c1", "f", 1, false)
	b.accept(protocol.Found("c1", "/orig/f", "/out/f"))
	assert.Equal(t, "/orig/f", b.analysisPath(), "extraction off uses the original")

	c := newArbitration("c1", "f", 1, true)
	c.accept(protocol.Found("c1", "/orig/f", ""))
	assert.Equal(t, "/orig/f", c.analysisPath())
}

func sequenceFind(counts ...int) (FindFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) ([]cluster.WorkerHandle, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(counts) {
			i = len(counts) - 1
		}
		return make([]cluster.WorkerHandle, counts[i]), nil
	}, &calls
}

// TestDiscoveryPollStopsEarly covers each stop predicate of the poll.
func TestDiscoveryPollStopsEarly(t *testing.T) {
	ctx := context.Background()
	poll := DiscoveryPoll{Expected: 3, MaxAttempts: 10, Interval: time.Millisecond}

	find, _ := sequenceFind(1, 1, 3)
	res := poll.Run(ctx, find)
	assert.Equal(t, ReasonStable, res.Reason)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, res.Handles, 1)

	find, _ = sequenceFind(1, 2, 3)
	res = poll.Run(ctx, find)
	assert.Equal(t, ReasonTarget, res.Reason)
	assert.Equal(t, 3, res.Attempts)

	find, calls := sequenceFind(0)
	res = poll.Run(ctx, find)
	assert.Equal(t, ReasonExhausted, res.Reason, "zero is never stable")
	assert.Equal(t, 10, res.Attempts)
	assert.Equal(t, int32(10), calls.Load())
}

func TestDiscoveryPollErrorsAndCancel(t *testing.T) {
	n := 0
	find := func(context.Context) ([]cluster.WorkerHandle, error) {
		n++
		if n == 2 {
			return nil, errors.New("registry blip")
		}
		return make([]cluster.WorkerHandle, 1), nil
	}
	res := DiscoveryPoll{Expected: 5, MaxAttempts: 10, Interval: time.Millisecond}.Run(context.Background(), find)
	assert.Equal(t, ReasonStable, res.Reason)
	assert.Equal(t, 4, res.Attempts, "an error resets the stability check")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = DiscoveryPoll{Expected: 1, MaxAttempts: 10, Interval: time.Hour}.Run(ctx, find)
	assert.Equal(t, ReasonCancelled, res.Reason)
}

// TestSearchThreeWorkersOneFound is the three-worker scenario: two misses and
// one match, stops broadcast, search finalised as found.
func TestSearchThreeWorkersOneFound(t *testing.T) {
	f := newFixture(t, Options{}, "w1", "w2", "w3")

	conv, err := f.coord.Search(context.Background(), " report.pdf ")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv)

	for _, id := range []string{"w1", "w2", "w3"} {
		env := f.next(t, id)
		assert.Equal(t, "SEARCH|c1|report.pdf", env.Payload)
		assert.Equal(t, "c1", env.ConversationID)
	}

	f.reply(t, "w1", protocol.NotFound("c1", "/b"))
	f.reply(t, "w2", protocol.NotFound("c1", "/c"))
	f.reply(t, "w3", protocol.Found("c1", "/a/report.pdf", ""))

	done := f.waitFor(t, EventSearchFinished)
	assert.Equal(t, OutcomeFound, done.Outcome)
	assert.Equal(t, "/a/report.pdf", done.Winner.OriginalPath)

	for _, id := range []string{"w1", "w2", "w3"} {
		assert.Equal(t, "STOP|c1", f.next(t, id).Payload)
	}
	assert.True(t, f.coord.Ready())
}

// TestSearchAllMissFinalisesOnLastReply checks not-found is declared exactly
// when the second of two replies arrives.
func TestSearchAllMissFinalisesOnLastReply(t *testing.T) {
	f := newFixture(t, Options{}, "w1", "w2")
	_, err := f.coord.Search(context.Background(), "x.txt")
	require.NoError(t, err)

	f.reply(t, "w1", protocol.NotFound("c1", "/a"))
	f.noEvent(t, EventSearchFinished, 50*time.Millisecond)
	_, err = f.coord.Search(context.Background(), "y.txt")
	assert.ErrorIs(t, err, ErrSearchInProgress)

	f.reply(t, "w2", protocol.NotFound("c1", "/b"))
	done := f.waitFor(t, EventSearchFinished)
	assert.Equal(t, OutcomeNotFound, done.Outcome)
	assert.Equal(t, "c1", done.ConversationID)
}

// TestConcurrentFoundsOneWinner delivers many matches at once and checks only
// one is acted on.
func TestConcurrentFoundsOneWinner(t *testing.T) {
	f := newFixture(t, Options{}, "w1", "w2", "w3", "w4", "w5")
	_, err := f.coord.Search(context.Background(), "a")
	require.NoError(t, err)

	var won atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.coord.HandleResult(protocol.Found("c1", "/p/a", "")) == VerdictWon {
				won.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	f.waitFor(t, EventSearchFinished)
	f.noEvent(t, EventSearchFinished, 30*time.Millisecond)
}

func TestStaleResultsAreDropped(t *testing.T) {
	f := newFixture(t, Options{}, "w1")
	assert.Equal(t, VerdictIgnored, f.coord.HandleResult(protocol.Found("ghost", "/x", "")))

	_, err := f.coord.Search(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, VerdictIgnored, f.coord.HandleResult(protocol.NotFound("c0", "/x")))

	// malformed payloads never reach arbitration
	require.NoError(t, f.router.Send(protocol.Envelope{Sender: "w1", Receiver: "coordinator", Topic: protocol.TopicFileSearch, Payload: "FOUND"}))
	f.noEvent(t, EventSearchFinished, 30*time.Millisecond)
}

func TestSearchRejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.coord.Search(ctx, "   ")
	assert.ErrorIs(t, err, ErrBlankFileName)
	_, err = f.coord.Search(ctx, "a")
	assert.ErrorIs(t, err, ErrNoWorkers)

	g := newFixture(t, Options{ExtractEnabled: true}, "w1")
	_, err = g.coord.Search(ctx, "a")
	assert.ErrorIs(t, err, ErrNoExtractDir)

	g.coord.SetExtraction(true, "/tmp/out")
	_, err = g.coord.Search(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "SEARCH|c1|a|/tmp/out", g.next(t, "w1").Payload)
}

// TestSearchSkipsUnreachableWorkers checks a worker that vanished before
// dispatch is not waited for.
func TestSearchSkipsUnreachableWorkers(t *testing.T) {
	f := newFixture(t, Options{}, "w1", "w2")
	f.router.Detach("w2")

	_, err := f.coord.Search(context.Background(), "a")
	require.NoError(t, err)
	f.reply(t, "w1", protocol.NotFound("c1", "/a"))
	assert.Equal(t, OutcomeNotFound, f.waitFor(t, EventSearchFinished).Outcome)

	f.router.Detach("w1")
	f.coord.newConvID = func() string { return "c2" }
	_, err = f.coord.Search(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, f.waitFor(t, EventSearchFinished).Outcome)
}

// TestFoundForwardsToAnalysis follows a match through the analysis bridge.
func TestFoundForwardsToAnalysis(t *testing.T) {
	f := newFixture(t, Options{AnalysisEnabled: true, ExtractEnabled: true, ExtractDir: "/out"}, "w1", "w2")
	f.attach(t, "bridge")
	require.NoError(t, f.reg.Register(context.Background(), cluster.WorkerHandle{ID: "bridge", Tag: protocol.TagAnalysis}))

	_, err := f.coord.Search(context.Background(), "report.pdf")
	require.NoError(t, err)
	f.reply(t, "w2", protocol.Found("c1", "/data/report.pdf", "/out/report.pdf"))

	req := f.next(t, "bridge")
	assert.Equal(t, protocol.TopicAnalysis, req.Topic)
	assert.Equal(t, "ANALYZE|/out/report.pdf", req.Payload)
	assert.Equal(t, "c1", req.ConversationID)

	_, err = f.coord.Search(context.Background(), "other")
	assert.ErrorIs(t, err, ErrAwaitingAnalysis)
	f.noEvent(t, EventSearchFinished, 30*time.Millisecond)

	// a reply for another conversation is ignored
	require.NoError(t, f.router.Send(protocol.Envelope{Sender: "bridge", Receiver: "coordinator",
		Topic: protocol.TopicAnalysis, Performative: protocol.Inform, ConversationID: "zz", Payload: "{}"}))
	require.NoError(t, f.router.Send(req.Reply(protocol.Inform, `{"steps":["look"],"answer":"A PDF report."}`)))

	ev := f.waitFor(t, EventAnalysis)
	assert.Equal(t, "A PDF report.", ev.Message)
	assert.False(t, ev.AnalysisFailed)
	done := f.waitFor(t, EventSearchFinished)
	assert.Equal(t, OutcomeFound, done.Outcome)
	assert.True(t, f.coord.Ready())
}

func TestAnalysisFailureStillFinalises(t *testing.T) {
	f := newFixture(t, Options{AnalysisEnabled: true}, "w1")
	f.attach(t, "bridge")
	require.NoError(t, f.reg.Register(context.Background(), cluster.WorkerHandle{ID: "bridge", Tag: protocol.TagAnalysis}))

	_, err := f.coord.Search(context.Background(), "a")
	require.NoError(t, err)
	f.reply(t, "w1", protocol.Found("c1", "/a", ""))

	req := f.next(t, "bridge")
	assert.Equal(t, "ANALYZE|/a", req.Payload)
	require.NoError(t, f.router.Send(req.Reply(protocol.Failure, "ERROR: connection refused")))

	ev := f.waitFor(t, EventAnalysis)
	assert.True(t, ev.AnalysisFailed)
	assert.Equal(t, "ERROR: connection refused", ev.Message)
	assert.Equal(t, OutcomeFound, f.waitFor(t, EventSearchFinished).Outcome)
}

func TestMissingBridgeFinalisesImmediately(t *testing.T) {
	f := newFixture(t, Options{AnalysisEnabled: true}, "w1")
	_, err := f.coord.Search(context.Background(), "a")
	require.NoError(t, err)
	f.reply(t, "w1", protocol.Found("c1", "/a", ""))

	ev := f.waitFor(t, EventAnalysis)
	assert.True(t, ev.AnalysisFailed)
	assert.Equal(t, OutcomeFound, f.waitFor(t, EventSearchFinished).Outcome)
	assert.True(t, f.coord.Ready())
}

// TestPoolStartDiscoversWorkers drives the pool start exchange against a fake
// manager and lets discovery fill the cache from the registry.
func TestPoolStartDiscoversWorkers(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, f.coord.RequestPoolStart(ctx, "/data"), ErrNoPoolManager)

	f.attach(t, "pm")
	require.NoError(t, f.reg.Register(ctx, cluster.WorkerHandle{ID: "pm", Tag: protocol.TagPoolManager}))
	require.NoError(t, f.coord.RequestPoolStart(ctx, "/data"))

	req := f.next(t, "pm")
	assert.Equal(t, "START_POOL|/data", req.Payload)

	for _, id := range []string{"w1", "w2"} {
		require.NoError(t, f.reg.Register(ctx, cluster.WorkerHandle{ID: id, Tag: protocol.TagFileSearch}))
	}
	require.NoError(t, f.router.Send(req.Reply(protocol.Inform, protocol.EncodeStarted(2))))

	ready := f.waitFor(t, EventPoolReady)
	assert.Equal(t, 2, ready.Workers)
	assert.Equal(t, 2, ready.Expected)
	assert.Equal(t, []string{"w1", "w2"}, registry.IDs(f.coord.Workers()))
}

// TestPoolStartWithPartialRegistration checks a smaller-than-expected pool
// is still made available once it stops growing.
func TestPoolStartWithPartialRegistration(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.attach(t, "pm")
	require.NoError(t, f.reg.Register(ctx, cluster.WorkerHandle{ID: "pm", Tag: protocol.TagPoolManager}))
	require.NoError(t, f.reg.Register(ctx, cluster.WorkerHandle{ID: "w1", Tag: protocol.TagFileSearch}))

	require.NoError(t, f.router.Send(protocol.Envelope{Sender: "pm", Receiver: "coordinator",
		Topic: protocol.TopicControl, Performative: protocol.Inform, Payload: "STARTED|4"}))

	ready := f.waitFor(t, EventPoolReady)
	assert.Equal(t, 1, ready.Workers)
	assert.Equal(t, 4, ready.Expected)
}

func TestPoolStopClearsCacheAndAbandonsSearch(t *testing.T) {
	f := newFixture(t, Options{}, "w1")
	ctx := context.Background()
	f.attach(t, "pm")
	require.NoError(t, f.reg.Register(ctx, cluster.WorkerHandle{ID: "pm", Tag: protocol.TagPoolManager}))

	_, err := f.coord.Search(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, f.coord.RequestPoolStop(ctx))
	assert.Equal(t, "STOP_POOL", f.next(t, "pm").Payload)
	assert.Empty(t, f.coord.Workers())

	// the abandoned search no longer listens
	assert.Equal(t, VerdictIgnored, f.coord.HandleResult(protocol.Found("c1", "/a", "")))
	_, err = f.coord.Search(ctx, "a")
	assert.ErrorIs(t, err, ErrNoWorkers)
}

// TestShutdownWaitsForTeardownAck checks the platform only stops after the
// manager confirms the workers were told to stop.
func TestShutdownWaitsForTeardownAck(t *testing.T) {
	f := newFixture(t, Options{}, "w1")
	ctx := context.Background()
	f.attach(t, "pm")
	require.NoError(t, f.reg.Register(ctx, cluster.WorkerHandle{ID: "pm", Tag: protocol.TagPoolManager}))

	require.NoError(t, f.coord.Shutdown(ctx))
	req := f.next(t, "pm")
	assert.Equal(t, "STOP_POOL", req.Payload)

	select {
	case <-f.coord.Stopped():
		t.Fatal("stopped before teardown acknowledgement")
	case <-time.After(30 * time.Millisecond):
	}

	_, err := f.coord.Search(ctx, "a")
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.ErrorIs(t, f.coord.RequestPoolStart(ctx, "/x"), ErrShuttingDown)

	require.NoError(t, f.router.Send(req.Reply(protocol.Inform, protocol.EncodeStoppedOK())))
	select {
	case <-f.coord.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("did not stop after acknowledgement")
	}
	f.waitFor(t, EventShutdown)

	// idempotent
	require.NoError(t, f.coord.Shutdown(ctx))
}

func TestShutdownWithoutManagerStopsAtOnce(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.coord.Shutdown(context.Background()))
	select {
	case <-f.coord.Stopped():
	case <-time.After(time.Second):
		t.Fatal("expected immediate stop")
	}
}

// sequence records transport sends and view lines in the order they happen.
type sequence struct {
	mu    sync.Mutex
	lines []string
}

func (s *sequence) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *sequence) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type recordingTransport struct {
	Transport
	seq *sequence
}

func (r recordingTransport) Send(env protocol.Envelope) error {
	r.seq.add("send " + string(env.Topic) + " " + env.Receiver)
	return r.Transport.Send(env)
}

func TestProgressLinesPrecedeTheirRequests(t *testing.T) {
	router := bus.NewRouter()
	reg := registry.NewMemoryRegistry()
	seq := &sequence{}
	c := New(Options{ID: "coordinator", AnalysisEnabled: true}, recordingTransport{Transport: router, seq: seq}, reg,
		NotifierFunc(func(e Event) {
			if e.Kind == EventLog {
				seq.add("view " + e.Message)
			}
		}), logging.NewNop())
	c.newConvID = func() string { return "c1" }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	_, err := router.Attach("w1")
	require.NoError(t, err)
	_, err = router.Attach("bridge")
	require.NoError(t, err)
	require.NoError(t, reg.Register(ctx, cluster.WorkerHandle{ID: "bridge", Tag: protocol.TagAnalysis}))
	c.mu.Lock()
	c.workers = []cluster.WorkerHandle{{ID: "w1", Tag: protocol.TagFileSearch}}
	c.mu.Unlock()

	_, err = c.Search(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, VerdictWon, c.HandleResult(protocol.Found("c1", "/a/report.pdf", "")))

	assert.Equal(t, []string{
		"view Searching for report.pdf ...",
		"send FILE_SEARCH w1",
		"view FOUND: /a/report.pdf",
		"send FILE_SEARCH w1",
		"view Sending to analysis...",
		"send AI_ANALYSIS bridge",
	}, seq.snapshot())
}
