package live

import "fmt"

// State is the lifecycle state of a live voice session.
type State int

const (
	// Idle means no session exists. It is the initial and the terminal state.
	Idle State = iota

	// Connecting means the microphone, the output and the transport are being
	// acquired, or the transport has not acknowledged the session yet.
	Connecting

	// Open means the transport acknowledged the session. Microphone frames
	// flow out and model audio flows in.
	Open

	// Closing means the session is being torn down after a stop request or a
	// remote close.
	Closing

	// Error means the session failed. It is always followed by Idle.
	Error
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransitions lists every legal edge of the session state machine.
// Every path ends in Idle: Connecting and Open leave through Closing or Error,
// and both of those lead only to Idle.
var validTransitions = map[State][]State{
	Idle:       {Connecting, Error},
	Connecting: {Open, Closing, Error},
	Open:       {Open, Closing, Error},
	Closing:    {Idle},
	Error:      {Idle},
}

// CanTransition reports whether the state machine permits moving from one
// state to another.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
