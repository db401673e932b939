// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Input], and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	in, _ := dev.OpenInput(ctx, 16000, 4096)
//	dev.LastInput().Push(audio.AudioFrame{Samples: samples, SampleRate: 16000})
//	out, _ := dev.OpenOutput(ctx, 24000)
//	dev.LastOutput().SetTime(2 * time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/docustudio/pkg/audio"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [audio.Input]. Frames are fed by the test
// through [Input.Push].
type Input struct {
	frames chan audio.AudioFrame
	done   chan struct{}

	sendMu sync.RWMutex // held for reading while pushing, for writing while closing the channel

	mu sync.Mutex

	// CloseError is returned by [Input.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed bool
}

// NewInput returns an open Input whose frame channel buffers up to size frames.
func NewInput(size int) *Input {
	return &Input{
		frames: make(chan audio.AudioFrame, size),
		done:   make(chan struct{}),
	}
}

// Frames implements [audio.Input].
func (in *Input) Frames() <-chan audio.AudioFrame { return in.frames }

// Push delivers frame to the consumer. It blocks while the buffer is full and
// reports false if the input was closed before the frame could be delivered.
func (in *Input) Push(frame audio.AudioFrame) bool {
	in.sendMu.RLock()
	defer in.sendMu.RUnlock()
	select {
	case <-in.done:
		return false
	default:
	}
	select {
	case in.frames <- frame:
		return true
	case <-in.done:
		return false
	}
}

// Close implements [audio.Input]. The first call closes the frame channel.
func (in *Input) Close() error {
	in.mu.Lock()
	in.CallCountClose++
	first := !in.closed
	in.closed = true
	err := in.CloseError
	in.mu.Unlock()

	if first {
		close(in.done)
		in.sendMu.Lock()
		close(in.frames)
		in.sendMu.Unlock()
	}
	return err
}

// Closed reports whether Close has been called.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

var _ audio.Input = (*Input)(nil)

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	// Buffer is the buffer passed to Schedule.
	Buffer audio.PlaybackBuffer
	// At is the output clock time the buffer was scheduled for.
	At time.Duration
}

// Output is a mock implementation of [audio.Output] and [audio.Flusher] with a
// manually driven clock.
type Output struct {
	mu sync.Mutex

	now    time.Duration
	closed bool

	// ScheduleError, if non-nil, is returned by every Schedule call.
	ScheduleError error

	// CloseError is returned by [Output.Close].
	CloseError error

	// ScheduleCalls records all successful Schedule invocations in order.
	ScheduleCalls []ScheduleCall

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// CurrentTime implements [audio.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetTime moves the output clock to t.
func (o *Output) SetTime(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Advance moves the output clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule implements [audio.Output]. Records the call.
func (o *Output) Schedule(buf audio.PlaybackBuffer, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return audio.ErrClosed
	}
	if o.ScheduleError != nil {
		return o.ScheduleError
	}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Buffer: buf, At: at})
	return nil
}

// Scheduled returns a copy of the recorded Schedule calls.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(cp, o.ScheduleCalls)
	return cp
}

// Flush implements [audio.Flusher]. Records the call.
func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountFlush++
	return nil
}

// Close implements [audio.Output]. Returns CloseError.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return o.CloseError
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

var (
	_ audio.Output  = (*Output)(nil)
	_ audio.Flusher = (*Output)(nil)
)

// ─── Device ───────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Device.OpenInput] invocation.
type OpenInputCall struct {
	Rate      int
	FrameSize int
}

// Device is a mock implementation of [audio.Device]. Every successful open
// creates a fresh [Input] or [Output] unless a result is preset.
type Device struct {
	mu sync.Mutex

	// InputError, if non-nil, is returned by OpenInput (e.g. a wrapped
	// [audio.ErrPermissionDenied]).
	InputError error

	// OutputError, if non-nil, is returned by OpenOutput.
	OutputError error

	// InputGate, if non-nil, makes OpenInput wait until the channel is closed
	// or ctx is done. Use it to simulate a pending permission prompt.
	InputGate chan struct{}

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	// OpenOutputRates records the rate of every OpenOutput invocation.
	OpenOutputRates []int

	inputs  []*Input
	outputs []*Output
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(ctx context.Context, rate, frameSize int) (audio.Input, error) {
	d.mu.Lock()
	d.OpenInputCalls = append(d.OpenInputCalls, OpenInputCall{Rate: rate, FrameSize: frameSize})
	gate := d.InputGate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InputError != nil {
		return nil, d.InputError
	}
	in := NewInput(16)
	d.inputs = append(d.inputs, in)
	return in, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(_ context.Context, rate int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenOutputRates = append(d.OpenOutputRates, rate)
	if d.OutputError != nil {
		return nil, d.OutputError
	}
	out := &Output{}
	d.outputs = append(d.outputs, out)
	return out, nil
}

// LastInput returns the most recently opened Input, or nil.
func (d *Device) LastInput() *Input {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inputs) == 0 {
		return nil
	}
	return d.inputs[len(d.inputs)-1]
}

// LastOutput returns the most recently opened Output, or nil.
func (d *Device) LastOutput() *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outputs) == 0 {
		return nil
	}
	return d.outputs[len(d.outputs)-1]
}

var _ audio.Device = (*Device)(nil)
