// Package capture forwards microphone frames to a live transport.
//
// A [Pipeline] taps an [audio.Input], encodes every frame into its wire form
// and hands it to a [Sender] in capture order. Only frames produced after the
// tap is started are forwarded; whatever the input queued before that is
// stale and dropped. There is no silence detection or gating: frames go out as
// fast as they are produced and flow control is the transport's
// responsibility.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/docustudio/pkg/audio"
)

// Sender transmits one encoded frame. It is called sequentially from the
// pipeline goroutine and should not block for long.
type Sender func(audio.Blob) error

// Pipeline is a running capture tap. Create one with [Start].
type Pipeline struct {
	in   audio.Input
	send Sender

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	sent    atomic.Int64
	failed  atomic.Int64
	dropped int
	onFrame func(err error)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameHook registers fn to be called after every send attempt with the
// send error (nil on success). Used for metrics.
func WithFrameHook(fn func(err error)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// Start taps in and begins forwarding frames to send. Frames already queued
// in the input when Start is called are discarded before Start returns.
func Start(in audio.Input, send Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		in:   in,
		send: send,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.discardBacklog()
	go p.run()
	return p
}

func (p *Pipeline) discardBacklog() {
	frames := p.in.Frames()
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
			p.dropped++
		default:
			if p.dropped > 0 {
				slog.Debug("capture: dropped frames queued before start", "frames", p.dropped)
			}
			return
		}
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	frames := p.in.Frames()
	for {
		// Check stop first so a burst of queued frames cannot outlive Stop.
		select {
		case <-p.stop:
			return
		default:
		}

		select {
		case <-p.stop:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			p.forward(frame)
		}
	}
}

func (p *Pipeline) forward(frame audio.AudioFrame) {
	err := p.send(audio.EncodeBlob(frame.Samples, frame.SampleRate))
	if err != nil {
		p.failed.Add(1)
		slog.Debug("capture: send frame failed", "err", err, "samples", len(frame.Samples))
	} else {
		p.sent.Add(1)
	}
	if p.onFrame != nil {
		p.onFrame(err)
	}
}

// Disconnect tells the pipeline to stop without waiting for it. A send that is
// already in flight finishes first, so callers that must not block behind a
// stalled transport close the transport and then call [Pipeline.Stop].
func (p *Pipeline) Disconnect() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Stop disconnects the tap and waits until the pipeline goroutine has exited.
// After Stop returns no further frame reaches the sender, so the input can be
// closed safely. Calling Stop more than once is safe.
func (p *Pipeline) Stop() {
	p.Disconnect()
	<-p.done
}

// Done returns a channel closed when the pipeline has stopped, either through
// [Pipeline.Stop] or because the input closed its frame channel.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Sent returns the number of frames handed to the sender successfully.
func (p *Pipeline) Sent() int64 { return p.sent.Load() }

// Dropped returns the number of stale frames discarded by [Start].
func (p *Pipeline) Dropped() int { return p.dropped }

// Failed returns the number of frames the sender rejected.
func (p *Pipeline) Failed() int64 { return p.failed.Load() }
