package coordinator

import "github.com/dreamware/findswarm/internal/protocol"

// Verdict is what one accepted reply means for its search.
type Verdict int

const (
	// VerdictIgnored: wrong conversation, or a winner was already chosen.
	VerdictIgnored Verdict = iota
	// VerdictPending: counted, still waiting for more replies.
	VerdictPending
	// VerdictWon: this reply is the winner.
	VerdictWon
	// VerdictExhausted: every expected reply arrived and none was a match.
	VerdictExhausted
)

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictWon:
		return "won"
	case VerdictExhausted:
		return "exhausted"
	default:
		return "ignored"
	}
}

// arbitration is the per-conversation reply bookkeeping. winnerDecided only
// ever goes from false to true.
type arbitration struct {
	winner         protocol.SearchResult
	conversationID string
	fileName       string
	expected       int
	received       int
	winnerDecided  bool
	extract        bool
}

func newArbitration(conversationID, fileName string, expected int, extract bool) *arbitration {
	return &arbitration{
		conversationID: conversationID,
		fileName:       fileName,
		expected:       expected,
		extract:        extract,
	}
}

// accept folds r into the state. The caller serialises calls.
func (a *arbitration) accept(r protocol.SearchResult) Verdict {
	if r.ConversationID != a.conversationID || a.winnerDecided {
		return VerdictIgnored
	}
	a.received++

	if r.Kind == protocol.ResultFound {
		a.winnerDecided = true
		a.winner = r
		return VerdictWon
	}
	if a.received >= a.expected {
		return VerdictExhausted
	}
	return VerdictPending
}

// analysisPath is the file handed to the analysis bridge: the extracted copy
// when extraction was on and produced one, the original otherwise.
func (a *arbitration) analysisPath() string {
	if a.extract && a.winner.ExtractedPath != "" {
		return a.winner.ExtractedPath
	}
	return a.winner.OriginalPath
}
