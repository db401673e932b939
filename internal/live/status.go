package live

// Status is the human-readable session status surfaced to the UI.
type Status string

const (
	// StatusListening is emitted when a start request begins connecting.
	StatusListening Status = "listening"

	// StatusConnected is emitted when the transport acknowledged the session
	// and microphone audio starts flowing.
	StatusConnected Status = "connected"

	// StatusDisconnected is emitted when a session ended through a stop
	// request or a remote close.
	StatusDisconnected Status = "disconnected"

	// StatusError is emitted when a start attempt or a running session failed.
	StatusError Status = "error"
)

// StatusSink receives status notifications. It is called from the session's
// own goroutine, in transition order, and must not block for long or call
// back into the [Controller].
type StatusSink func(Status)

// statusFor returns the status to surface for a transition, if any. Leaving
// Error for Idle is silent: the error status already told the user.
func statusFor(from, to State) (Status, bool) {
	switch to {
	case Connecting:
		return StatusListening, true
	case Open:
		if from == Connecting {
			return StatusConnected, true
		}
	case Error:
		return StatusError, true
	case Idle:
		if from == Closing {
			return StatusDisconnected, true
		}
	}
	return "", false
}
