package tele

import "fmt"

// State of bus connection.
// Disconnected -> Connecting -> Connected | Disconnected | FatalAuthFailure.
// FatalAuthFailure is terminal.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFatalAuthFailure
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFatalAuthFailure:
		return "FatalAuthFailure"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
