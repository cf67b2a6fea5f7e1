package multiplexer

// State is the connection state of a Multiplexer.
type State int

// Possible connection states. The numeric values are exported as the
// connection_state gauge.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// canTransition reports whether from → to is a legal edge of the state machine.
func canTransition(from, to State) bool {
	switch to {
	case StateConnecting:
		return from == StateDisconnected || from == StateError
	case StateConnected:
		return from == StateConnecting || from == StateDisconnected || from == StateError
	case StateDisconnected:
		return from == StateConnected || from == StateConnecting || from == StateError
	case StateError:
		return from == StateConnecting
	}
	return false
}
