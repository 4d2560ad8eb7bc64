package protocol

import (
	"strconv"
	"strings"
)

// Control commands exchanged between the coordinator and the pool manager.
const (
	CmdStartPool = "START_POOL"
	CmdStarted   = "STARTED"
	CmdStopPool  = "STOP_POOL"
	CmdStoppedOK = "STOPPED_OK"
)

// ControlKind identifies a decoded control payload.
type ControlKind int

const (
	ControlStartPool ControlKind = iota + 1
	ControlStarted
	ControlStopPool
	ControlStoppedOK
)

// Control is a decoded CONTROL payload. Root is set for START_POOL, Count for
// STARTED.
type Control struct {
	Kind  ControlKind
	Root  string
	Count int
}

// EncodeStartPool builds START_POOL|<root>.
func EncodeStartPool(root string) string { return CmdStartPool + "|" + root }

// EncodeStarted builds STARTED|<count>.
func EncodeStarted(count int) string { return CmdStarted + "|" + strconv.Itoa(count) }

// EncodeStopPool builds STOP_POOL.
func EncodeStopPool() string { return CmdStopPool }

// EncodeStoppedOK builds STOPPED_OK.
func EncodeStoppedOK() string { return CmdStoppedOK }

// ParseControl decodes a CONTROL payload. A bare START_POOL carries an empty
// root, which the pool manager resolves to the home directory.
func ParseControl(payload string) (Control, error) {
	p := strings.TrimSpace(payload)
	cmd, rest, hasRest := strings.Cut(p, "|")

	switch cmd {
	case CmdStartPool:
		return Control{Kind: ControlStartPool, Root: rest}, nil
	case CmdStarted:
		if !hasRest {
			return Control{}, malformed(payload)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n < 0 {
			return Control{}, malformed(payload)
		}
		return Control{Kind: ControlStarted, Count: n}, nil
	case CmdStopPool:
		return Control{Kind: ControlStopPool}, nil
	case CmdStoppedOK:
		return Control{Kind: ControlStoppedOK}, nil
	default:
		return Control{}, malformed(payload)
	}
}
