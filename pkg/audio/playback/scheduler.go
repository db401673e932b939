// Package playback schedules decoded model speech on an output clock so that
// consecutive buffers play back-to-back without gaps or overlaps.
//
// Ordering is enforced purely by a monotonic start-time cursor: there is no
// queue. Each buffer starts at max(clock now, cursor) and moves the cursor to
// its own end. An interruption (barge-in) resets the cursor so the next buffer
// starts immediately.
package playback

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/docustudio/pkg/audio"
)

// InterruptMode selects what [Scheduler.Interrupt] does with audio that has
// already been scheduled.
type InterruptMode int

const (
	// FlushOnInterrupt resets the cursor and flushes already scheduled audio
	// when the output supports it.
	FlushOnInterrupt InterruptMode = iota

	// ResetOnly resets the cursor and lets already scheduled audio play out.
	ResetOnly
)

// String returns the human-readable name of the mode.
func (m InterruptMode) String() string {
	switch m {
	case FlushOnInterrupt:
		return "flush"
	case ResetOnly:
		return "reset"
	default:
		return "unknown"
	}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithInterruptMode sets the interruption behaviour. Default: [FlushOnInterrupt].
func WithInterruptMode(m InterruptMode) Option {
	return func(s *Scheduler) { s.mode = m }
}

// Scheduler assigns start times to playback buffers on an [audio.Output].
//
// A Scheduler belongs to exactly one session and is driven from that
// session's goroutine; it is not safe for concurrent use.
type Scheduler struct {
	out       audio.Output
	mode      InterruptMode
	nextStart time.Duration
}

// New creates a Scheduler playing on out with the cursor at zero.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{out: out}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf at max(output clock, cursor) and advances the cursor
// by the buffer's duration. It returns the assigned start time. If the output
// rejects the buffer the cursor is left unchanged.
func (s *Scheduler) Enqueue(buf audio.PlaybackBuffer) (time.Duration, error) {
	start := max(s.out.CurrentTime(), s.nextStart)
	if err := s.out.Schedule(buf, start); err != nil {
		return 0, fmt.Errorf("playback: schedule at %v: %w", start, err)
	}
	s.nextStart = start + buf.Duration()
	return start, nil
}

// Interrupt resets the cursor to zero so the next buffer starts as soon as
// possible. In [FlushOnInterrupt] mode, audio already scheduled on the output
// is discarded as well.
func (s *Scheduler) Interrupt() {
	s.nextStart = 0
	if s.mode != FlushOnInterrupt {
		return
	}
	if f, ok := s.out.(audio.Flusher); ok {
		if err := f.Flush(); err != nil {
			slog.Warn("playback: flush after interruption failed", "err", err)
		}
	}
}

// NextStart returns the current cursor: the end of the last scheduled buffer,
// or zero after an interruption.
func (s *Scheduler) NextStart() time.Duration {
	return s.nextStart
}
