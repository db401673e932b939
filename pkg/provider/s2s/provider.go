// Package s2s defines the Provider interface for realtime speech-to-speech
// (S2S) backends.
//
// An S2S provider wraps a realtime voice AI endpoint that accepts streamed
// microphone audio and streams synthesised speech back over one persistent
// connection. Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: outbound audio goes through
// SendRealtimeInput, and everything the endpoint reports (the connection
// being acknowledged, audio, barge-in, close or failure) arrives in order on a
// single Events channel. Consumers therefore handle one event stream instead
// of four independent callbacks.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/docustudio/pkg/audio"
)

// Modality is a response modality requested from the model.
type Modality string

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text responses.
	ModalityText Modality = "TEXT"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model overrides the provider's configured model. Empty keeps the default.
	Model string

	// ResponseModality selects how the model answers. Empty means audio.
	ResponseModality Modality

	// Voice is the provider-specific prebuilt voice name (e.g. "Zephyr").
	// Empty keeps the provider's default voice.
	Voice string

	// Instructions is the system instruction that defines the assistant's
	// persona and behaviour.
	Instructions string
}

// EventType classifies events emitted by a [SessionHandle].
type EventType int

const (
	// EventOpen is emitted once when the remote endpoint acknowledges the
	// session. Audio sent before this event may be discarded by the endpoint.
	EventOpen EventType = iota

	// EventAudio carries one chunk of synthesised speech in [Event.Audio].
	EventAudio

	// EventInterrupted signals that the model's current turn was cut off
	// because the user started speaking (barge-in).
	EventInterrupted

	// EventClose is emitted when the remote side closed the session normally.
	EventClose

	// EventError is emitted when the session failed; [Event.Err] holds the
	// cause. The session is unusable afterwards.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "OPEN"
	case EventAudio:
		return "AUDIO"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventClose:
		return "CLOSE"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a single notification from a [SessionHandle].
type Event struct {
	Type EventType

	// Audio is the synthesised speech for [EventAudio]: base64 little-endian
	// int16 PCM at [audio.OutputSampleRate].
	Audio audio.Blob

	// Err is the failure cause for [EventError].
	Err error
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendRealtimeInput delivers one encoded microphone frame to the endpoint.
	// The call does not wait for the endpoint to process the frame. Returns an
	// error if the session is closed or the write failed.
	SendRealtimeInput(blob audio.Blob) error

	// Events returns the channel on which session events arrive in the order
	// the endpoint produced them. After an [EventClose] or [EventError] no
	// further events are delivered and the channel is closed. Consumers must
	// drain this channel promptly.
	Events() <-chan Event

	// Close terminates the session and releases all resources. The Events
	// channel is closed once the receive loop has exited; callers that stop
	// reading at Close lose nothing they care about. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect dials the endpoint and sends the session configuration. The
	// returned handle emits [EventOpen] once the endpoint acknowledges it.
	//
	// Returns an error if the connection cannot be established (e.g.
	// authentication failure, unreachable endpoint, or ctx cancelled). ctx
	// bounds only the dial; the session lives until Close. The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
