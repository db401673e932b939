// Package live runs realtime voice sessions between an audio device and a
// speech-to-speech transport.
//
// A [Controller] owns one editing surface's session. Its state lives in a
// single goroutine that serialises user commands, connection results and
// transport events, so the state machine is the only thing that mutates
// session state and no locks guard it.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/docustudio/internal/observe"
	"github.com/MrWong99/docustudio/pkg/audio"
	"github.com/MrWong99/docustudio/pkg/audio/capture"
	"github.com/MrWong99/docustudio/pkg/audio/playback"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
	"github.com/google/uuid"
)

var (
	// ErrSessionActive is returned by Start when a session is already
	// connecting or open.
	ErrSessionActive = errors.New("live: session already active")

	// ErrStopped is returned by a pending Start when Stop cancelled it.
	ErrStopped = errors.New("live: start cancelled by stop")

	// ErrClosed is returned by Start after the controller was closed.
	ErrClosed = errors.New("live: controller closed")
)

// Option configures a [Controller].
type Option func(*Controller)

// WithStatusSink registers the function that receives status updates.
func WithStatusSink(fn StatusSink) Option {
	return func(c *Controller) { c.sink = fn }
}

// WithSessionConfig sets a fixed transport configuration for every session.
func WithSessionConfig(cfg s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessionConfig = func() s2s.SessionConfig { return cfg } }
}

// WithSessionConfigFunc sets a function consulted at every Start, so that
// configuration reloads apply to the next session.
func WithSessionConfigFunc(fn func() s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessionConfig = fn }
}

// WithFrameSize overrides the capture frame size in samples.
func WithFrameSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithInterruptMode selects what a barge-in does to already scheduled audio.
func WithInterruptMode(m playback.InterruptMode) Option {
	return func(c *Controller) { c.interruptMode = m }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithProviderName labels transport metrics and logs.
func WithProviderName(name string) Option {
	return func(c *Controller) { c.providerName = name }
}

// WithTransitionObserver registers fn to be called on every state change,
// including the Open self-loop. Called from the session goroutine.
func WithTransitionObserver(fn func(from, to State)) Option {
	return func(c *Controller) { c.observer = fn }
}

// Controller drives the live session of one editing surface. All methods are
// safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	device   audio.Device

	sink          StatusSink
	sessionConfig func() s2s.SessionConfig
	frameSize     int
	interruptMode playback.InterruptMode
	metrics       *observe.Metrics
	providerName  string
	observer      func(from, to State)

	cmds      chan command
	connected chan connectResult
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	state atomic.Int32

	// Owned by the run goroutine.
	st      State
	attempt *attempt
	sess    *session
	nextID  uint64
}

type command struct {
	start *startRequest
	stop  chan struct{}
}

type startRequest struct {
	ctx   context.Context
	reply chan error
}

// attempt is one in-flight connection attempt.
type attempt struct {
	id      uint64
	cancel  context.CancelFunc
	reply   chan error
	started time.Time
	log     *slog.Logger
}

// connectResult carries the resources acquired by an attempt back to the
// session goroutine.
type connectResult struct {
	id     uint64
	input  audio.Input
	output audio.Output
	handle s2s.SessionHandle
	err    error
}

func (r connectResult) release() {
	if r.handle != nil {
		_ = r.handle.Close()
	}
	if r.output != nil {
		_ = r.output.Close()
	}
	if r.input != nil {
		_ = r.input.Close()
	}
}

// session is the set of resources exclusively owned by an active session.
type session struct {
	input    audio.Input
	output   audio.Output
	handle   s2s.SessionHandle
	events   <-chan s2s.Event
	sched    *playback.Scheduler
	pipeline *capture.Pipeline
	opened   bool
	log      *slog.Logger
}

// New creates a Controller and starts its session goroutine. Call Close to
// release it.
func New(provider s2s.Provider, device audio.Device, opts ...Option) *Controller {
	c := &Controller{
		provider:      provider,
		device:        device,
		sessionConfig: func() s2s.SessionConfig { return s2s.SessionConfig{} },
		frameSize:     audio.DefaultFrameSize,
		providerName:  "s2s",
		cmds:          make(chan command),
		connected:     make(chan connectResult),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	go c.run()
	return c
}

// Start begins a session. It returns once the microphone, the output and the
// transport have been acquired; the session becomes Open when the transport
// acknowledges it. Start fails with the underlying error (for example one
// wrapping [audio.ErrPermissionDenied]) after reporting [StatusError], with
// [ErrSessionActive] if a session is already running, and with [ErrStopped]
// if Stop was called before the attempt completed.
//
// ctx bounds the acquisition only. There is no built-in timeout.
func (c *Controller) Start(ctx context.Context) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, c.providerName)
	defer func() { observe.EndSpan(span, err) }()

	req := &startRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case c.cmds <- command{start: req}:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err = <-req.reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Stop ends the current session, if any, and returns once the controller is
// Idle. No capture or playback activity happens after Stop returns. Stop is
// idempotent and never fails.
func (c *Controller) Stop() {
	ack := make(chan struct{})
	select {
	case c.cmds <- command{stop: ack}:
	case <-c.done:
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Close stops any session and terminates the session goroutine. Calling Close
// more than once is safe.
func (c *Controller) Close() error {
	c.Stop()
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		var events <-chan s2s.Event
		var captureDone <-chan struct{}
		if c.sess != nil {
			events = c.sess.events
			if c.sess.pipeline != nil {
				captureDone = c.sess.pipeline.Done()
			}
		}

		select {
		case <-c.quit:
			c.stopSession()
			return

		case cmd := <-c.cmds:
			switch {
			case cmd.start != nil:
				c.handleStart(cmd.start)
			case cmd.stop != nil:
				c.stopSession()
				close(cmd.stop)
			}

		case res := <-c.connected:
			c.handleConnected(res)

		case ev, ok := <-events:
			if !ok {
				// The transport went away without saying why; treat it like a
				// remote close.
				c.sess.log.Info("transport event stream ended")
				c.closeSession()
				continue
			}
			c.handleEvent(ev)

		case <-captureDone:
			c.sess.log.Warn("microphone stream ended while session is open")
			c.sess.pipeline = nil
		}
	}
}

// transition moves the state machine and surfaces the matching status.
func (c *Controller) transition(to State) {
	from := c.st
	if !CanTransition(from, to) {
		slog.Error("live: illegal state transition", "from", from, "to", to)
		return
	}
	c.st = to
	c.state.Store(int32(to))
	if c.observer != nil {
		c.observer(from, to)
	}
	if status, ok := statusFor(from, to); ok && c.sink != nil {
		c.sink(status)
	}
}

func (c *Controller) handleStart(req *startRequest) {
	if c.st != Idle {
		req.reply <- ErrSessionActive
		return
	}

	c.nextID++
	id := c.nextID
	log := observe.Logger(req.ctx).With("session_id", uuid.NewString(), "provider", c.providerName)

	ctx, cancel := context.WithCancel(req.ctx)
	c.attempt = &attempt{id: id, cancel: cancel, reply: req.reply, started: time.Now(), log: log}
	c.transition(Connecting)
	log.Info("starting live session")

	cfg := c.sessionConfig()
	go func() {
		res := c.acquire(ctx, id, cfg)
		select {
		case c.connected <- res:
		case <-c.quit:
			res.release()
		}
	}()
}

// acquire opens the microphone, the output and the transport, in that order.
// On failure every resource acquired so far is released.
func (c *Controller) acquire(ctx context.Context, id uint64, cfg s2s.SessionConfig) connectResult {
	res := connectResult{id: id}

	in, err := c.device.OpenInput(ctx, audio.InputSampleRate, c.frameSize)
	if err != nil {
		res.err = fmt.Errorf("live: open microphone: %w", err)
		return res
	}
	res.input = in

	out, err := c.device.OpenOutput(ctx, audio.OutputSampleRate)
	if err != nil {
		res.release()
		return connectResult{id: id, err: fmt.Errorf("live: open output: %w", err)}
	}
	res.output = out

	handle, err := c.provider.Connect(ctx, cfg)
	if err != nil {
		res.release()
		return connectResult{id: id, err: fmt.Errorf("live: connect transport: %w", err)}
	}
	res.handle = handle
	return res
}

func (c *Controller) handleConnected(res connectResult) {
	a := c.attempt
	if a == nil || a.id != res.id || c.st != Connecting {
		// Stop already abandoned this attempt.
		res.release()
		return
	}
	c.attempt = nil
	a.cancel()

	if res.err != nil {
		status := "error"
		if errors.Is(res.err, audio.ErrPermissionDenied) {
			status = "denied"
		}
		c.metrics.RecordSessionStart(context.Background(), status)
		a.log.Warn("live session failed to start", "err", res.err)
		c.transition(Error)
		c.transition(Idle)
		a.reply <- res.err
		return
	}

	c.sess = &session{
		input:  res.input,
		output: res.output,
		handle: res.handle,
		events: res.handle.Events(),
		sched:  playback.New(res.output, playback.WithInterruptMode(c.interruptMode)),
		log:    a.log,
	}
	c.metrics.RecordConnect(context.Background(), time.Since(a.started))
	a.reply <- nil
}

func (c *Controller) handleEvent(ev s2s.Event) {
	s := c.sess
	switch ev.Type {
	case s2s.EventOpen:
		if c.st != Connecting {
			return
		}
		s.pipeline = capture.Start(s.input, s.handle.SendRealtimeInput,
			capture.WithFrameHook(func(err error) {
				c.metrics.RecordFrame(context.Background(), err)
			}),
		)
		s.opened = true
		c.metrics.ActiveSessions.Add(context.Background(), 1)
		c.metrics.RecordSessionStart(context.Background(), "connected")
		c.transition(Open)
		s.log.Info("live session open")

	case s2s.EventAudio:
		if c.st != Open {
			s.log.Debug("dropping audio received before open")
			return
		}
		c.transition(Open)
		buf, err := audio.DecodeBlob(ev.Audio.Data, audio.OutputSampleRate)
		if err != nil {
			s.log.Debug("ignoring malformed audio payload", "err", err)
			return
		}
		if len(buf.Samples) == 0 {
			return
		}
		at, err := s.sched.Enqueue(buf)
		if err != nil {
			s.log.Warn("failed to schedule playback", "err", err)
			return
		}
		c.metrics.RecordScheduled(context.Background(), buf.Duration())
		s.log.Debug("scheduled playback", "at", at, "duration", buf.Duration())

	case s2s.EventInterrupted:
		if c.st != Open {
			return
		}
		c.transition(Open)
		s.sched.Interrupt()
		c.metrics.RecordInterruption(context.Background())
		s.log.Debug("playback interrupted")

	case s2s.EventClose:
		s.log.Info("transport closed by remote")
		c.closeSession()

	case s2s.EventError:
		s.log.Error("transport failed", "err", ev.Err)
		c.metrics.RecordTransportError(context.Background(), c.providerName)
		if !s.opened {
			c.metrics.RecordSessionStart(context.Background(), "error")
		}
		c.transition(Error)
		c.release()
		c.transition(Idle)
	}
}

// stopSession handles a stop request from any state.
func (c *Controller) stopSession() {
	switch c.st {
	case Idle:
		return
	case Connecting:
		if a := c.attempt; a != nil {
			a.cancel()
			a.reply <- ErrStopped
			a.log.Info("live session start cancelled")
			c.attempt = nil
		}
	}
	c.closeSession()
}

// closeSession tears down through Closing to Idle.
func (c *Controller) closeSession() {
	c.transition(Closing)
	c.release()
	c.transition(Idle)
}

// release frees the session's resources. The transport is closed before the
// capture goroutine is joined so a send stuck on a stalled peer is aborted
// rather than waited for. The capture tap is gone before the microphone is
// closed. Safe to call without a session.
func (c *Controller) release() {
	s := c.sess
	if s == nil {
		return
	}
	c.sess = nil

	if s.pipeline != nil {
		s.pipeline.Disconnect()
	}
	if err := s.handle.Close(); err != nil {
		s.log.Debug("closing transport", "err", err)
	}
	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	if err := s.input.Close(); err != nil {
		s.log.Debug("closing microphone", "err", err)
	}
	if err := s.output.Close(); err != nil {
		s.log.Debug("closing output", "err", err)
	}
	if s.opened {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.log.Info("live session ended")
}
