package coordinator

import "github.com/dreamware/findswarm/internal/protocol"

// EventKind classifies what the coordinator reports to its view.
type EventKind int

const (
	// EventLog is a free-form progress line.
	EventLog EventKind = iota + 1
	// EventPoolReady ends a discovery poll; Workers holds the cached count.
	EventPoolReady
	// EventPoolStopped acknowledges a teardown.
	EventPoolStopped
	// EventAnalysis carries the analysis text for the winning file.
	EventAnalysis
	// EventSearchFinished closes a search; Outcome says how.
	EventSearchFinished
	// EventShutdown is the last event; the coordinator has stopped.
	EventShutdown
)

// Outcome is the final verdict of a search.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFound
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not-found"
	default:
		return "none"
	}
}

// Event is one user-facing notification.
type Event struct {
	Kind           EventKind
	Message        string
	ConversationID string
	Outcome        Outcome
	// Winner is set on a found search.
	Winner   protocol.SearchResult
	Workers  int
	Expected int
	// AnalysisFailed marks Message as the bridge's error text.
	AnalysisFailed bool
}

// Notifier receives coordinator events. Implementations must not block for long.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
