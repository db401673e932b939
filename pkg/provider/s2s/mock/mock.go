// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject events as if they came from the remote endpoint and to
// inspect the audio the client sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	p.LastSession().Emit(s2s.Event{Type: s2s.EventOpen})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/docustudio/pkg/audio"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a new
	// default Session for every call.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, if non-nil, makes Connect wait until the channel is closed
	// or ctx is done. Use it to hold a session in the connecting phase.
	ConnectGate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// ErrClosed is returned by Session.SendRealtimeInput after Close.
var ErrClosed = errors.New("mock: session closed")

// Session is a mock implementation of s2s.SessionHandle. Create one with
// [NewSession].
type Session struct {
	events chan s2s.Event
	done   chan struct{}

	emitMu sync.RWMutex // held for reading while emitting, for writing while closing events

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendRealtimeInput. The blob is still
	// recorded.
	SendErr error

	// SendGate, if non-nil, makes SendRealtimeInput wait until the channel is
	// closed or the session is closed, like a write to a peer that stopped
	// reading. Set it before the session is used.
	SendGate chan struct{}

	// CloseErr is returned by Close.
	CloseErr error

	// SendCalls records every blob passed to SendRealtimeInput.
	SendCalls []audio.Blob

	// CallCountClose is the number of times Close was called.
	CallCountClose int

	attempts int
	closed   bool
}

// NewSession returns an open Session with a buffered events channel.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
}

// Emit delivers ev to the consumer as if the endpoint had produced it. It
// reports false if the session was closed first.
func (s *Session) Emit(ev s2s.Event) bool {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// SendRealtimeInput records blob and returns SendErr.
func (s *Session) SendRealtimeInput(blob audio.Blob) error {
	s.mu.Lock()
	s.attempts++
	gate := s.SendGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-s.done:
			return ErrClosed
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.SendCalls = append(s.SendCalls, blob)
	return s.SendErr
}

// SendAttempts returns the number of SendRealtimeInput calls so far,
// including ones still waiting on SendGate.
func (s *Session) SendAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Sent returns a copy of the blobs sent so far.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Blob, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the events channel on first use.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	first := !s.closed
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()

	if first {
		close(s.done)
		s.emitMu.Lock()
		close(s.events)
		s.emitMu.Unlock()
	}
	return err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
