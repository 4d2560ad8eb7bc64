package bus

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/findswarm/internal/protocol"
)

var (
	// ErrUnknownActor is returned when sending to an id with no mailbox.
	ErrUnknownActor = errors.New("bus: unknown actor")
	// ErrDuplicateActor is returned when an id is attached twice.
	ErrDuplicateActor = errors.New("bus: actor already attached")
)

// Sender is what actors need to talk to each other.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Router delivers envelopes to the mailbox of their receiver.
type Router struct {
	mu    sync.RWMutex
	boxes map[string]*Mailbox
}

// NewRouter creates a router with no attached actors.
func NewRouter() *Router {
	return &Router{boxes: make(map[string]*Mailbox)}
}

// Attach creates the mailbox for id.
func (r *Router) Attach(id string) (*Mailbox, error) {
	if id == "" {
		return nil, errors.New("bus: actor id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.boxes[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateActor, id)
	}
	mb := NewMailbox()
	r.boxes[id] = mb
	return mb, nil
}

// Detach removes id and closes its mailbox. Unknown ids are ignored.
func (r *Router) Detach(id string) {
	r.mu.Lock()
	mb, ok := r.boxes[id]
	delete(r.boxes, id)
	r.mu.Unlock()

	if ok {
		mb.Close()
	}
}

// Send enqueues env in the receiver's mailbox.
func (r *Router) Send(env protocol.Envelope) error {
	r.mu.RLock()
	mb, ok := r.boxes[env.Receiver]
	r.mu.RUnlock()

	if !ok || !mb.Put(env) {
		return fmt.Errorf("%w: %s", ErrUnknownActor, env.Receiver)
	}
	return nil
}

// Alive reports whether id currently has a mailbox.
func (r *Router) Alive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.boxes[id]
	return ok
}

// Actors returns the attached ids in sorted order.
func (r *Router) Actors() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.boxes))
	for _, id := range maps.Keys(r.boxes) {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
