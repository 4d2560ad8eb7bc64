// Package bus is the in-process transport between findswarm actors.
//
// Each actor owns one Mailbox: an unbounded FIFO that never blocks the
// sender. The Router maps actor ids to mailboxes. Because a send enqueues
// synchronously, messages from one sender to one receiver are delivered in
// the order they were sent; there is no ordering across different senders.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/golang-collections/collections/queue"

	"github.com/dreamware/findswarm/internal/protocol"
)

// ErrMailboxClosed is returned by Receive once the mailbox is closed and drained.
var ErrMailboxClosed = errors.New("bus: mailbox closed")

// Mailbox is an unbounded FIFO of envelopes with a blocking receive.
type Mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
	closed bool
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// Put enqueues env. It reports false if the mailbox is already closed.
func (m *Mailbox) Put(env protocol.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.q.Enqueue(env)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until a message is available, the context ends, or the
// mailbox is closed and empty. Messages queued before Close are still delivered.
func (m *Mailbox) Receive(ctx context.Context) (protocol.Envelope, error) {
	for {
		m.mu.Lock()
		if m.q.Len() > 0 {
			env := m.q.Dequeue().(protocol.Envelope)
			m.mu.Unlock()
			return env, nil
		}
		if m.closed {
			m.mu.Unlock()
			return protocol.Envelope{}, ErrMailboxClosed
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()
		}
	}
}

// TryReceive returns the next message without blocking.
func (m *Mailbox) TryReceive() (protocol.Envelope, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.q.Len() == 0 {
		return protocol.Envelope{}, false
	}
	return m.q.Dequeue().(protocol.Envelope), true
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Len()
}

// Close stops the mailbox from accepting new messages and wakes any receiver.
// Closing twice is a no-op.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
