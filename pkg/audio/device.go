// Package audio defines the audio primitives of a live voice session: frame
// and buffer types, the PCM wire codec, and the device interfaces through
// which a session reaches a microphone and a speaker.
//
// The two primary abstractions are:
//
//   - [Device] opens the capture [Input] and the playback [Output] for one
//     session, each at a fixed sample rate.
//   - [Output] owns the output clock. Buffers are scheduled against that
//     clock, never against wall-clock time.
//
// Implementations live in adapter packages (audio/browser bridges a browser
// tab over WebSocket; audio/mock is an in-memory double for tests). The
// interfaces are intentionally narrow to keep the session controller
// decoupled from where the audio hardware actually is.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Device.OpenInput] when the user refused
// microphone access.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrClosed is returned when scheduling on an [Output] that has been closed.
var ErrClosed = errors.New("audio: device closed")

// Input is a live microphone stream tapped into fixed-size frames.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Frames returns the channel that delivers captured frames in capture
	// order. The channel is closed when the input is closed.
	Frames() <-chan AudioFrame

	// Close releases the microphone. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Output is an audio output with its own clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// CurrentTime reports the output clock's current position. It starts at
	// zero when the output is opened and advances independently of wall time.
	CurrentTime() time.Duration

	// Schedule queues buf to start playing when the output clock reaches at.
	// Returns [ErrClosed] after Close.
	Schedule(buf PlaybackBuffer, at time.Duration) error

	// Close tears down the output. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Flusher is implemented by outputs that can discard audio that has been
// scheduled but has not finished playing.
type Flusher interface {
	Flush() error
}

// Device opens the capture and playback sides of one live session.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenInput requests microphone access and returns a stream delivering
	// frames of frameSize mono samples at rate. Returns an error wrapping
	// [ErrPermissionDenied] if the user refused access.
	OpenInput(ctx context.Context, rate, frameSize int) (Input, error)

	// OpenOutput creates a playback output running at rate.
	OpenOutput(ctx context.Context, rate int) (Output, error)
}
