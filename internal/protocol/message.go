// Package protocol defines the messages exchanged between the coordinator, the
// pool manager, the search workers and the analysis bridge.
//
// Every message travels in an Envelope. The Payload is a pipe-delimited
// command string whose first field names the command, for example
//
//	SEARCH|3f2a9c1e|report.pdf|/tmp/extracted
//	FOUND|3f2a9c1e|/data/a/report.pdf|/tmp/extracted/report.pdf
//
// Parsing is strict about the number of fields a command needs and lenient
// about trailing content: the last field of a command absorbs any remaining
// pipes, so a file name, root or error message containing '|' survives a
// round trip. FOUND carries two paths; they are told apart by the extracted
// copy sharing the original's base name (see ParseResult). Conversation ids
// never contain '|'.
package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedPayload is returned when a payload cannot be decoded.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// Topic groups messages by concern; receivers route on it.
type Topic string

const (
	TopicControl    Topic = "CONTROL"
	TopicFileSearch Topic = "FILE_SEARCH"
	TopicAnalysis   Topic = "AI_ANALYSIS"
)

// Performative is the speech act of a message.
type Performative string

const (
	Request Performative = "REQUEST"
	Inform  Performative = "INFORM"
	Failure Performative = "FAILURE"
)

// Service tags under which actors advertise themselves in the registry.
const (
	TagFileSearch  = "file-search"
	TagPoolManager = "pool-manager"
	TagAnalysis    = "analysis-bridge"
)

// Envelope is the unit of transport between actors.
type Envelope struct {
	Sender         string       `json:"sender"`
	Receiver       string       `json:"receiver"`
	Topic          Topic        `json:"topic"`
	Performative   Performative `json:"performative"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Payload        string       `json:"payload"`
}

// Reply builds the answer to e: sender and receiver swap, topic and
// conversation are preserved.
func (e Envelope) Reply(p Performative, payload string) Envelope {
	return Envelope{
		Sender:         e.Receiver,
		Receiver:       e.Sender,
		Topic:          e.Topic,
		Performative:   p,
		ConversationID: e.ConversationID,
		Payload:        payload,
	}
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s -> %s %s (%s): %s", e.Sender, e.Receiver, e.Performative, e.Topic, e.Payload)
}

func malformed(payload string) error {
	return fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
}
