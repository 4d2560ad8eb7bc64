// Package registry maps service tags to the actors currently advertising them.
//
// The registry is eventually consistent: a caller must not assume that a
// handle is visible to Find the moment Register returns. MemoryRegistry can
// simulate that lag with WithVisibilityDelay; Client talks to a remote
// registry served by Handler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/findswarm/internal/cluster"
)

var (
	// ErrInvalidHandle is returned when a handle has no id or no tag.
	ErrInvalidHandle = errors.New("registry: handle needs an id and a tag")
)

// Registry is the publish/lookup directory shared by every actor.
type Registry interface {
	Register(ctx context.Context, h cluster.WorkerHandle) error
	Deregister(ctx context.Context, id string) error
	Find(ctx context.Context, tag string) ([]cluster.WorkerHandle, error)
}

type entry struct {
	handle    cluster.WorkerHandle
	visibleAt time.Time
}

// MemoryRegistry is an in-process Registry. Registering an existing id
// replaces the previous handle. Deregistering takes effect immediately.
type MemoryRegistry struct {
	entries map[string]entry
	now     func() time.Time
	mu      sync.RWMutex
	delay   time.Duration
}

// Option configures a MemoryRegistry.
type Option func(*MemoryRegistry)

// WithVisibilityDelay hides newly registered handles from Find for d.
func WithVisibilityDelay(d time.Duration) Option {
	return func(r *MemoryRegistry) { r.delay = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *MemoryRegistry) { r.now = now }
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	r := &MemoryRegistry{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register publishes h. RegisteredAt is stamped when left zero.
func (r *MemoryRegistry) Register(_ context.Context, h cluster.WorkerHandle) error {
	if h.ID == "" || h.Tag == "" {
		return fmt.Errorf("%w: id=%q tag=%q", ErrInvalidHandle, h.ID, h.Tag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if h.RegisteredAt.IsZero() {
		h.RegisteredAt = now
	}
	r.entries[h.ID] = entry{handle: h, visibleAt: now.Add(r.delay)}
	return nil
}

// Deregister removes id. Unknown ids are not an error.
func (r *MemoryRegistry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

// Find returns copies of the visible handles carrying tag, sorted by id.
func (r *MemoryRegistry) Find(_ context.Context, tag string) ([]cluster.WorkerHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make([]cluster.WorkerHandle, 0, len(r.entries))
	for _, e := range r.entries {
		if e.handle.Tag != tag || now.Before(e.visibleAt) {
			continue
		}
		out = append(out, e.handle)
	}
	slices.SortFunc(out, func(a, b cluster.WorkerHandle) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Len returns the number of entries, visible or not.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs is a convenience that maps handles to their ids.
func IDs(handles []cluster.WorkerHandle) []string {
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.ID
	}
	return ids
}
