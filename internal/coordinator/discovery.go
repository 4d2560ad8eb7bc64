package coordinator

import (
	"context"
	"time"

	"github.com/dreamware/findswarm/internal/cluster"
)

// StopReason says why a discovery poll ended.
type StopReason int

const (
	ReasonTarget StopReason = iota + 1
	ReasonStable
	ReasonExhausted
	ReasonCancelled
)

func (r StopReason) String() string {
	switch r {
	case ReasonTarget:
		return "target-reached"
	case ReasonStable:
		return "stable"
	case ReasonExhausted:
		return "attempts-exhausted"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FindFunc returns the handles currently visible in the registry.
type FindFunc func(ctx context.Context) ([]cluster.WorkerHandle, error)

// DiscoveryPoll samples the registry every Interval until one of:
// the count reaches Expected, the count is non-zero and unchanged between two
// consecutive samples, or MaxAttempts samples were taken.
type DiscoveryPoll struct {
	Expected    int
	MaxAttempts int
	Interval    time.Duration
}

// PollResult is the last successful sample and how the poll ended.
type PollResult struct {
	Handles  []cluster.WorkerHandle
	Attempts int
	Reason   StopReason
}

// Run executes the poll. A failed lookup counts as an attempt but never as a
// stable sample.
func (p DiscoveryPoll) Run(ctx context.Context, find FindFunc) PollResult {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	interval := p.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var res PollResult
	last := -1
	for res.Attempts < maxAttempts {
		select {
		case <-ctx.Done():
			res.Reason = ReasonCancelled
			return res
		case <-ticker.C:
		}
		res.Attempts++

		handles, err := find(ctx)
		if err != nil {
			last = -1
			continue
		}
		res.Handles = handles

		now := len(handles)
		if now >= p.Expected {
			res.Reason = ReasonTarget
			return res
		}
		if now == last && now > 0 {
			res.Reason = ReasonStable
			return res
		}
		last = now
	}
	res.Reason = ReasonExhausted
	return res
}
