// Package browser implements [audio.Device] for a microphone and speakers that
// live in a browser tab.
//
// The tab holds one WebSocket to the server. Text frames carry JSON control
// messages in both directions; binary frames carry captured microphone audio
// as little-endian float32 samples, one frame per message. The server asks
// the tab to open its capture and playback graphs and the tab answers once the
// user granted (or refused) access:
//
//	server → tab   {"type":"open_input","sampleRate":16000,"frameSize":4096}
//	tab → server   {"type":"input_ready","sampleRate":48000}  or  {"type":"input_denied","reason":"..."}
//	server → tab   {"type":"open_output","sampleRate":24000}
//	tab → server   {"type":"output_ready","time":12.5}
//	server → tab   {"type":"play","at":12.5,"sampleRate":24000,"data":"<base64 s16le>"}
//	tab → server   {"type":"clock","time":13.1}
//
// The output clock is the tab's AudioContext.currentTime, extrapolated on the
// server between clock reports.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/docustudio/pkg/audio"
	"github.com/coder/websocket"
)

// Compile-time assertions.
var (
	_ audio.Device  = (*Conn)(nil)
	_ audio.Input   = (*input)(nil)
	_ audio.Output  = (*output)(nil)
	_ audio.Flusher = (*output)(nil)
)

const (
	readLimit    = 1 << 20
	writeTimeout = 5 * time.Second

	// inputBuffer is how many frames may wait for a consumer. Frames captured
	// while nobody reads (the transport is not open yet) are dropped once it
	// is full.
	inputBuffer = 64
)

// ErrDisconnected is returned when the tab went away.
var ErrDisconnected = errors.New("browser: disconnected")

// Control is a session command issued by the user in the tab.
type Control int

const (
	// ControlStart asks for a new live session.
	ControlStart Control = iota

	// ControlStop asks to end the live session.
	ControlStop
)

// String returns the wire name of the control.
func (c Control) String() string {
	switch c {
	case ControlStart:
		return "start"
	case ControlStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Option configures a [Conn].
type Option func(*Conn)

// WithClock overrides the monotonic clock used to extrapolate the tab's output
// clock. Primarily used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

// ── Wire messages ─────────────────────────────────────────────────────────────

type clientMessage struct {
	Type       string  `json:"type"`
	Reason     string  `json:"reason,omitempty"`
	Time       float64 `json:"time,omitempty"`
	SampleRate int     `json:"sampleRate,omitempty"`
}

type openInputMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	FrameSize  int    `json:"frameSize"`
}

type openOutputMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
}

type playMessage struct {
	Type       string  `json:"type"`
	At         float64 `json:"at"`
	SampleRate int     `json:"sampleRate"`
	Data       string  `json:"data"`
}

type statusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// handshake is the tab's answer to an open request.
type handshake struct {
	denied bool
	reason string
	rate   int
	time   float64
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Conn is one browser tab. It implements [audio.Device] and relays the tab's
// session commands through [Conn.Controls].
type Conn struct {
	ws  *websocket.Conn
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	controls chan Control
	done     chan struct{}

	mu            sync.Mutex
	input         *input
	output        *output
	pendingInput  chan handshake
	pendingOutput chan handshake
	err           error

	closeOnce sync.Once
}

// New wraps an accepted WebSocket and starts reading from it. The caller must
// call Close when done.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:       ws,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		controls: make(chan Control, 8),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	ws.SetReadLimit(readLimit)
	go c.readLoop()
	return c
}

// Controls returns the channel of session commands from the tab. It is closed
// when the tab disconnects.
func (c *Conn) Controls() <-chan Control { return c.controls }

// Done returns a channel closed when the tab disconnected or Close was called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendStatus shows a session status in the tab.
func (c *Conn) SendStatus(status string) error {
	return c.writeJSON(statusMessage{Type: "status", Status: status})
}

// Close disconnects the tab. Calling Close more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("browser: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("browser: write: %w", err)
	}
	return nil
}

// ── Read loop ─────────────────────────────────────────────────────────────────

func (c *Conn) readLoop() {
	defer c.shutdown()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					c.setErr(err)
				}
			}
			return
		}

		if typ == websocket.MessageBinary {
			c.handleFrame(data)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("browser: ignoring malformed message", "err", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Conn) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "start":
		c.pushControl(ControlStart)
	case "stop":
		c.pushControl(ControlStop)
	case "input_ready":
		c.answer(&c.pendingInput, handshake{rate: msg.SampleRate})
	case "input_denied":
		c.answer(&c.pendingInput, handshake{denied: true, reason: msg.Reason})
	case "output_ready":
		c.answer(&c.pendingOutput, handshake{time: msg.Time})
	case "clock":
		c.mu.Lock()
		out := c.output
		c.mu.Unlock()
		if out != nil {
			out.sync(msg.Time)
		}
	default:
		slog.Debug("browser: ignoring unknown message", "type", msg.Type)
	}
}

func (c *Conn) pushControl(ctl Control) {
	select {
	case c.controls <- ctl:
	case <-c.ctx.Done():
	}
}

// answer completes a pending handshake, if one is waiting.
func (c *Conn) answer(pending *chan handshake, h handshake) {
	c.mu.Lock()
	ch := *pending
	*pending = nil
	c.mu.Unlock()
	if ch != nil {
		ch <- h
	}
}

func (c *Conn) handleFrame(data []byte) {
	c.mu.Lock()
	in := c.input
	c.mu.Unlock()
	if in == nil {
		return
	}
	in.deliver(decodeFloat32(data))
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// shutdown runs when the read loop exits: the capture stream ends and anyone
// waiting on a handshake is released.
func (c *Conn) shutdown() {
	c.cancel()
	c.mu.Lock()
	in := c.input
	c.input = nil
	c.pendingInput = nil
	c.pendingOutput = nil
	c.mu.Unlock()

	if in != nil {
		in.end()
	}
	close(c.controls)
	close(c.done)
}

// ── audio.Device ──────────────────────────────────────────────────────────────

// OpenInput asks the tab for microphone access and waits for the answer. The
// tab may capture at a different rate than requested; frames are then
// resampled to rate on arrival.
func (c *Conn) OpenInput(ctx context.Context, rate, frameSize int) (audio.Input, error) {
	reply := make(chan handshake, 1)
	c.mu.Lock()
	if c.input != nil || c.pendingInput != nil {
		c.mu.Unlock()
		return nil, errors.New("browser: input already open")
	}
	c.pendingInput = reply
	c.mu.Unlock()

	if err := c.writeJSON(openInputMessage{Type: "open_input", SampleRate: rate, FrameSize: frameSize}); err != nil {
		c.clearPending(&c.pendingInput, reply)
		return nil, err
	}

	var h handshake
	select {
	case h = <-reply:
	case <-ctx.Done():
		c.clearPending(&c.pendingInput, reply)
		_ = c.writeJSON(typeOnly{Type: "close_input"})
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrDisconnected
	}

	if h.denied {
		reason := h.reason
		if reason == "" {
			reason = "no reason given"
		}
		return nil, fmt.Errorf("browser: %w: %s", audio.ErrPermissionDenied, reason)
	}

	srcRate := h.rate
	if srcRate <= 0 {
		srcRate = rate
	}
	in := &input{
		conn:      c,
		frames:    make(chan audio.AudioFrame, inputBuffer),
		srcRate:   srcRate,
		resampler: &audio.Resampler{Target: rate},
	}
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrDisconnected
	default:
	}
	c.input = in
	c.mu.Unlock()
	return in, nil
}

// OpenOutput asks the tab to create a playback graph and waits until it
// reports its clock.
func (c *Conn) OpenOutput(ctx context.Context, rate int) (audio.Output, error) {
	reply := make(chan handshake, 1)
	c.mu.Lock()
	if c.output != nil || c.pendingOutput != nil {
		c.mu.Unlock()
		return nil, errors.New("browser: output already open")
	}
	c.pendingOutput = reply
	c.mu.Unlock()

	if err := c.writeJSON(openOutputMessage{Type: "open_output", SampleRate: rate}); err != nil {
		c.clearPending(&c.pendingOutput, reply)
		return nil, err
	}

	var h handshake
	select {
	case h = <-reply:
	case <-ctx.Done():
		c.clearPending(&c.pendingOutput, reply)
		_ = c.writeJSON(typeOnly{Type: "close_output"})
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrDisconnected
	}

	out := &output{
		conn:   c,
		rate:   rate,
		origin: h.time,
		base:   h.time,
		baseAt: c.now(),
	}
	c.mu.Lock()
	c.output = out
	c.mu.Unlock()
	return out, nil
}

func (c *Conn) clearPending(pending *chan handshake, reply chan handshake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if *pending == reply {
		*pending = nil
	}
}

// ── input ─────────────────────────────────────────────────────────────────────

type input struct {
	conn      *Conn
	frames    chan audio.AudioFrame
	srcRate   int
	resampler *audio.Resampler

	mu      sync.Mutex
	closed  bool
	elapsed time.Duration
	dropped int
}

func (in *input) Frames() <-chan audio.AudioFrame { return in.frames }

// deliver hands one captured frame to the consumer without blocking the read
// loop.
func (in *input) deliver(samples []float32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	frame := in.resampler.Convert(audio.AudioFrame{
		Samples:    samples,
		SampleRate: in.srcRate,
		Timestamp:  in.elapsed,
	})
	in.elapsed += frame.Duration()

	select {
	case in.frames <- frame:
	default:
		in.dropped++
		if in.dropped == 1 || in.dropped%100 == 0 {
			slog.Debug("browser: dropping microphone frames, nobody is reading", "dropped", in.dropped)
		}
	}
}

// end closes the frame channel. Reports whether this call closed it.
func (in *input) end() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.closed = true
	close(in.frames)
	return true
}

func (in *input) Close() error {
	if !in.end() {
		return nil
	}
	c := in.conn
	c.mu.Lock()
	if c.input == in {
		c.input = nil
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		_ = c.writeJSON(typeOnly{Type: "close_input"})
	}
	return nil
}

// ── output ────────────────────────────────────────────────────────────────────

type output struct {
	conn *Conn
	rate int

	mu     sync.Mutex
	origin float64   // tab clock (seconds) at open; output time zero
	base   float64   // last reported tab clock (seconds)
	baseAt time.Time // when base was reported
	closed bool
}

// sync records a fresh clock report from the tab.
func (o *output) sync(tabTime float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.base = tabTime
	o.baseAt = o.conn.now()
}

// CurrentTime extrapolates the tab clock from the last report.
func (o *output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	elapsed := o.conn.now().Sub(o.baseAt)
	t := secondsToDuration(o.base-o.origin) + elapsed
	if t < 0 {
		return 0
	}
	return t
}

func (o *output) Schedule(buf audio.PlaybackBuffer, at time.Duration) error {
	o.mu.Lock()
	closed := o.closed
	origin := o.origin
	o.mu.Unlock()
	if closed {
		return audio.ErrClosed
	}

	rate := buf.SampleRate
	if rate <= 0 {
		rate = o.rate
	}
	return o.conn.writeJSON(playMessage{
		Type:       "play",
		At:         origin + at.Seconds(),
		SampleRate: rate,
		Data:       base64.StdEncoding.EncodeToString(audio.EncodePCM16(buf.Samples)),
	})
}

// Flush tells the tab to stop every source that has not finished playing.
func (o *output) Flush() error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return audio.ErrClosed
	}
	return o.conn.writeJSON(typeOnly{Type: "flush"})
}

func (o *output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	c := o.conn
	c.mu.Lock()
	if c.output == o {
		c.output = nil
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		_ = c.writeJSON(typeOnly{Type: "close_output"})
	}
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// decodeFloat32 converts little-endian float32 samples. A trailing partial
// sample is ignored.
func decodeFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
