package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/dreamware/findswarm/internal/coordinator"
)

// view renders coordinator events as plain lines and hands the milestones
// the search command waits on to a channel.
type view struct {
	mu        sync.Mutex
	out       io.Writer
	milestone chan coordinator.Event
}

func newView(out io.Writer) *view {
	return &view{out: out, milestone: make(chan coordinator.Event, 16)}
}

func (v *view) Notify(e coordinator.Event) {
	v.mu.Lock()
	switch e.Kind {
	case coordinator.EventAnalysis:
		if e.AnalysisFailed {
			fmt.Fprintf(v.out, "Analysis failed: %s\n", e.Message)
		} else {
			fmt.Fprintf(v.out, "Analysis: %s\n", e.Message)
		}
	default:
		if e.Message != "" {
			fmt.Fprintln(v.out, e.Message)
		}
	}
	v.mu.Unlock()

	switch e.Kind {
	case coordinator.EventPoolReady, coordinator.EventSearchFinished, coordinator.EventShutdown:
		select {
		case v.milestone <- e:
		default:
		}
	}
}
