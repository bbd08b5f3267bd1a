package guest

import "fmt"

type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateAwaitingFirstHandshakeSent
	StateRunning
	StateShuttingDown
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateAwaitingFirstHandshakeSent:
		return "awaiting_first_handshake_sent"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
