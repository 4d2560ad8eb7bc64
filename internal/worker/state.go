package worker

import "fmt"

// State is a worker lifecycle state.
type State int

const (
	StateIdle State = iota + 1
	StateSearching
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateReporting:
		return "reporting"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition can leave s.
func IsTerminal(s State) bool {
	return s == StateTerminated
}

func isAllowedTransition(from, to State) bool {
	if to == StateTerminated {
		return from != StateTerminated
	}
	switch from {
	case StateIdle:
		return to == StateSearching
	case StateSearching:
		return to == StateReporting
	case StateReporting:
		return to == StateIdle
	default:
		return false
	}
}

// transition moves *cur from "from" to "to". The caller holds the worker lock.
func transition(cur *State, from, to State) error {
	if *cur != from {
		return fmt.Errorf("worker: expected state %s, got %s", from, *cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("worker: disallowed transition %s -> %s", from, to)
	}
	*cur = to
	return nil
}
