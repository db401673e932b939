package live_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/docustudio/internal/live"
	"github.com/MrWong99/docustudio/internal/observe"
	"github.com/MrWong99/docustudio/pkg/audio"
	audiomock "github.com/MrWong99/docustudio/pkg/audio/mock"
	"github.com/MrWong99/docustudio/pkg/audio/playback"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
	s2smock "github.com/MrWong99/docustudio/pkg/provider/s2s/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// statusLog records statuses delivered to a StatusSink.
type statusLog struct {
	mu  sync.Mutex
	got []live.Status

	// onStatus, if set, runs inside the sink before the status is recorded.
	onStatus func(live.Status)
}

func (l *statusLog) sink(s live.Status) {
	if l.onStatus != nil {
		l.onStatus(s)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, s)
}

func (l *statusLog) snapshot() []live.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.got)
}

func (l *statusLog) has(s live.Status) bool {
	return slices.Contains(l.snapshot(), s)
}

// transitionLog records every state change.
type transitionLog struct {
	mu    sync.Mutex
	edges [][2]live.State
}

func (l *transitionLog) observe(from, to live.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = append(l.edges, [2]live.State{from, to})
}

func (l *transitionLog) snapshot() [][2]live.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.edges)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	provider *s2smock.Provider
	device   *audiomock.Device
	statuses *statusLog
	edges    *transitionLog
	ctrl     *live.Controller
}

func newFixture(t *testing.T, opts ...live.Option) *fixture {
	t.Helper()
	f := &fixture{
		provider: &s2smock.Provider{},
		device:   &audiomock.Device{},
		statuses: &statusLog{},
		edges:    &transitionLog{},
	}
	opts = append([]live.Option{
		live.WithStatusSink(f.statuses.sink),
		live.WithTransitionObserver(f.edges.observe),
	}, opts...)
	f.ctrl = live.New(f.provider, f.device, opts...)
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

// open starts a session and acknowledges it from the transport side.
func (f *fixture) open(t *testing.T) *s2smock.Session {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.LastSession()
	if sess == nil {
		t.Fatal("provider handed out no session")
	}
	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "open state", func() bool { return f.ctrl.State() == live.Open })
	return sess
}

// speech returns an audio event carrying n samples at the given gain.
func speech(n int, gain float32) s2s.Event {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = gain
	}
	return s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodeBlob(samples, audio.OutputSampleRate)}
}

func assertClosed(t *testing.T, f *fixture, sess *s2smock.Session) {
	t.Helper()
	if in := f.device.LastInput(); in == nil || !in.Closed() {
		t.Error("microphone not closed")
	}
	if out := f.device.LastOutput(); out == nil || !out.Closed() {
		t.Error("output not closed")
	}
	if sess != nil && !sess.Closed() {
		t.Error("transport not closed")
	}
}

// ── End-to-end ────────────────────────────────────────────────────────────────

func TestController_OpenThenOneSecondOfAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// The sink checks that nothing has been scheduled when connected arrives.
	var scheduledAtConnect = -1
	f.statuses.onStatus = func(s live.Status) {
		if s == live.StatusConnected {
			scheduledAtConnect = len(f.device.LastOutput().Scheduled())
		}
	}

	sess := f.open(t)
	sess.Emit(speech(24000, 0.5))

	out := f.device.LastOutput()
	waitFor(t, "scheduled buffer", func() bool { return len(out.Scheduled()) == 1 })
	f.ctrl.Stop()

	calls := out.Scheduled()
	if len(calls) != 1 {
		t.Fatalf("scheduled %d buffers, want exactly 1", len(calls))
	}
	if calls[0].At < 0 {
		t.Errorf("start = %v, want >= 0", calls[0].At)
	}
	if d := calls[0].Buffer.Duration(); d != time.Second {
		t.Errorf("duration = %v, want 1s", d)
	}
	if got := calls[0].Buffer.Samples[100]; math.Abs(float64(got-0.5)) > 1.0/32768 {
		t.Errorf("sample = %v, want 0.5", got)
	}
	if scheduledAtConnect != 0 {
		t.Errorf("buffers scheduled when connected was reported = %d, want 0", scheduledAtConnect)
	}

	want := []live.Status{live.StatusListening, live.StatusConnected, live.StatusDisconnected}
	if got := f.statuses.snapshot(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestController_OpensDeviceAtFixedRates(t *testing.T) {
	t.Parallel()
	cfg := s2s.SessionConfig{Voice: "Zephyr", Instructions: "help", ResponseModality: s2s.ModalityAudio}
	f := newFixture(t, live.WithSessionConfig(cfg), live.WithFrameSize(2048))
	f.open(t)

	if got := f.device.OpenInputCalls; len(got) != 1 || got[0].Rate != 16000 || got[0].FrameSize != 2048 {
		t.Errorf("OpenInput calls = %+v, want one at 16000/2048", got)
	}
	if got := f.device.OpenOutputRates; len(got) != 1 || got[0] != 24000 {
		t.Errorf("OpenOutput rates = %v, want [24000]", got)
	}
	if got := f.provider.ConnectCalls[0].Cfg; got != cfg {
		t.Errorf("session config = %+v, want %+v", got, cfg)
	}
}

func TestController_SessionConfigFuncReadAtEveryStart(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	voice := "Puck"
	f := newFixture(t, live.WithSessionConfigFunc(func() s2s.SessionConfig {
		mu.Lock()
		defer mu.Unlock()
		return s2s.SessionConfig{Voice: voice}
	}))

	f.open(t)
	f.ctrl.Stop()
	mu.Lock()
	voice = "Kore"
	mu.Unlock()
	f.open(t)

	if a, b := f.provider.ConnectCalls[0].Cfg.Voice, f.provider.ConnectCalls[1].Cfg.Voice; a != "Puck" || b != "Kore" {
		t.Errorf("voices = %q, %q; want Puck, Kore", a, b)
	}
}

// ── Capture ───────────────────────────────────────────────────────────────────

func TestController_ForwardsMicrophoneFramesWhileOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	in := f.device.LastInput()
	frame := audio.AudioFrame{Samples: []float32{0.25, -0.25, 0.5}, SampleRate: audio.InputSampleRate}
	in.Push(frame)
	waitFor(t, "sent frame", func() bool { return len(sess.Sent()) == 1 })

	want := audio.EncodeBlob(frame.Samples, audio.InputSampleRate)
	if got := sess.Sent()[0]; got != want {
		t.Errorf("sent %+v, want %+v", got, want)
	}

	f.ctrl.Stop()
	if in.Push(frame) {
		t.Error("microphone accepted a frame after Stop")
	}
}

func TestController_FramesBeforeOpenAreNotSent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.LastSession()
	in := f.device.LastInput()

	// Speech captured while connecting is stale by the time the session opens.
	stale := audio.AudioFrame{Samples: []float32{0.1}, SampleRate: audio.InputSampleRate}
	in.Push(stale)
	time.Sleep(20 * time.Millisecond)
	if n := len(sess.Sent()); n != 0 {
		t.Fatalf("sent %d frames before open, want 0", n)
	}

	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "open state", func() bool { return f.ctrl.State() == live.Open })

	fresh := audio.AudioFrame{Samples: []float32{0.5}, SampleRate: audio.InputSampleRate}
	in.Push(fresh)
	waitFor(t, "fresh frame", func() bool { return len(sess.Sent()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	sent := sess.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want only the one captured after open", len(sent))
	}
	if want := audio.EncodeBlob(fresh.Samples, audio.InputSampleRate); sent[0] != want {
		t.Errorf("sent %+v, want the frame captured after open", sent[0])
	}
}

// ── Playback ──────────────────────────────────────────────────────────────────

func TestController_AudioBeforeOpenIsIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.LastSession()
	sess.Emit(speech(2400, 0.1))
	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "open", func() bool { return f.ctrl.State() == live.Open })
	f.ctrl.Stop()

	if n := len(f.device.LastOutput().Scheduled()); n != 0 {
		t.Errorf("scheduled %d buffers, want 0", n)
	}
}

func TestController_MalformedAudioIsIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: audio.Blob{Data: "%%% not base64"}})
	sess.Emit(s2s.Event{Type: s2s.EventAudio})
	sess.Emit(speech(2400, 0.1))

	out := f.device.LastOutput()
	waitFor(t, "valid buffer", func() bool { return len(out.Scheduled()) == 1 })
	if f.ctrl.State() != live.Open {
		t.Errorf("state = %v, want open", f.ctrl.State())
	}
}

func TestController_BuffersPlayBackToBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	for _, n := range []int{12000, 2400, 24000} {
		sess.Emit(speech(n, 0.2))
	}
	out := f.device.LastOutput()
	waitFor(t, "three buffers", func() bool { return len(out.Scheduled()) == 3 })

	calls := out.Scheduled()
	for i := 1; i < len(calls); i++ {
		prevEnd := calls[i-1].At + calls[i-1].Buffer.Duration()
		if calls[i].At < prevEnd {
			t.Errorf("buffer %d at %v overlaps previous end %v", i, calls[i].At, prevEnd)
		}
	}
}

func TestController_InterruptResetsPlayback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mode      playback.InterruptMode
		wantFlush int
	}{
		{name: "flush", mode: playback.FlushOnInterrupt, wantFlush: 1},
		{name: "reset only", mode: playback.ResetOnly, wantFlush: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, live.WithInterruptMode(tc.mode))
			sess := f.open(t)
			out := f.device.LastOutput()

			sess.Emit(speech(48000, 0.2)) // two seconds
			waitFor(t, "first buffer", func() bool { return len(out.Scheduled()) == 1 })

			out.SetTime(500 * time.Millisecond)
			sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
			sess.Emit(speech(2400, 0.2))
			waitFor(t, "post-interrupt buffer", func() bool { return len(out.Scheduled()) == 2 })
			f.ctrl.Stop()

			if at := out.Scheduled()[1].At; at != 500*time.Millisecond {
				t.Errorf("post-interrupt start = %v, want clock time 500ms", at)
			}
			if out.CallCountFlush != tc.wantFlush {
				t.Errorf("flush calls = %d, want %d", out.CallCountFlush, tc.wantFlush)
			}
		})
	}
}

// ── Start failures ────────────────────────────────────────────────────────────

func TestController_PermissionDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.InputError = fmt.Errorf("%w: user blocked the prompt", audio.ErrPermissionDenied)

	err := f.ctrl.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want ErrPermissionDenied", err)
	}
	if f.ctrl.State() != live.Idle {
		t.Errorf("state = %v, want idle", f.ctrl.State())
	}
	if n := f.provider.ConnectCount(); n != 0 {
		t.Errorf("transport dialled %d times, want 0", n)
	}
	want := []live.Status{live.StatusListening, live.StatusError}
	if got := f.statuses.snapshot(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestController_OutputFailureReleasesMicrophone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.OutputError = errors.New("no audio device")

	if err := f.ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if in := f.device.LastInput(); in == nil || !in.Closed() {
		t.Error("microphone left open after failed start")
	}
}

func TestController_TransportOpenFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	dialErr := errors.New("401 unauthorized")
	f.provider.ConnectErr = dialErr

	if err := f.ctrl.Start(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("Start err = %v, want %v", err, dialErr)
	}
	assertClosed(t, f, nil)
	if f.ctrl.State() != live.Idle {
		t.Errorf("state = %v, want idle", f.ctrl.State())
	}
}

func TestController_StartWhileActiveIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.open(t)

	if err := f.ctrl.Start(context.Background()); !errors.Is(err, live.ErrSessionActive) {
		t.Fatalf("second Start err = %v, want ErrSessionActive", err)
	}
	if f.ctrl.State() != live.Open {
		t.Errorf("state = %v, want open", f.ctrl.State())
	}
	if n := f.provider.ConnectCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
}

func TestController_StartContextCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.InputGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Start(ctx) }()
	waitFor(t, "connecting", func() bool { return f.ctrl.State() == live.Connecting })
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	waitFor(t, "idle", func() bool { return f.ctrl.State() == live.Idle })
}

// ── Stop ──────────────────────────────────────────────────────────────────────

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	f.ctrl.Stop()
	if f.ctrl.State() != live.Idle {
		t.Fatalf("state after first Stop = %v, want idle", f.ctrl.State())
	}
	f.ctrl.Stop()
	if f.ctrl.State() != live.Idle {
		t.Fatalf("state after second Stop = %v, want idle", f.ctrl.State())
	}
	assertClosed(t, f, sess)

	if got := f.statuses.snapshot(); slices.Index(got, live.StatusDisconnected) != len(got)-1 {
		t.Errorf("statuses = %v, want a single trailing disconnected", got)
	}
	if sess.CallCountClose != 1 {
		t.Errorf("transport closed %d times, want 1", sess.CallCountClose)
	}
}

func TestController_StopDoesNotHangOnStalledTransport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := s2smock.NewSession()
	sess.SendGate = make(chan struct{}) // the peer never reads
	f.provider.Session = sess

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "open state", func() bool { return f.ctrl.State() == live.Open })

	f.device.LastInput().Push(audio.AudioFrame{Samples: make([]float32, 4096), SampleRate: audio.InputSampleRate})
	waitFor(t, "blocked send", func() bool { return sess.SendAttempts() == 1 })

	stopped := make(chan struct{})
	go func() {
		f.ctrl.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind a stalled transport write")
	}
	if st := f.ctrl.State(); st != live.Idle {
		t.Errorf("state = %v, want Idle", st)
	}
	assertClosed(t, f, sess)
}

func TestController_ErrorCleanupDoesNotHangOnStalledTransport(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := s2smock.NewSession()
	sess.SendGate = make(chan struct{})
	f.provider.Session = sess

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	waitFor(t, "open state", func() bool { return f.ctrl.State() == live.Open })
	f.device.LastInput().Push(audio.AudioFrame{Samples: make([]float32, 4096), SampleRate: audio.InputSampleRate})
	waitFor(t, "blocked send", func() bool { return sess.SendAttempts() == 1 })

	sess.Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("keepalive timeout")})
	waitFor(t, "idle after error", func() bool { return f.ctrl.State() == live.Idle && sess.Closed() })
	if !f.statuses.has(live.StatusError) {
		t.Error("error status not reported")
	}
}

func TestController_StopWhenIdle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.ctrl.Stop()
	if len(f.statuses.snapshot()) != 0 {
		t.Errorf("statuses = %v, want none", f.statuses.snapshot())
	}
}

func TestController_StopWhileAcquiringMicrophone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.device.InputGate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.ctrl.Start(context.Background()) }()
	waitFor(t, "connecting", func() bool { return f.ctrl.State() == live.Connecting })

	f.ctrl.Stop()
	if f.ctrl.State() != live.Idle {
		t.Errorf("state = %v, want idle", f.ctrl.State())
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, live.ErrStopped) {
			t.Errorf("Start err = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	// A fresh start still works after the abandoned attempt.
	close(f.device.InputGate)
	f.open(t)
}

func TestController_StopBeforeTransportAcknowledges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := f.provider.LastSession()
	f.ctrl.Stop()

	assertClosed(t, f, sess)
	want := []live.Status{live.StatusListening, live.StatusDisconnected}
	if got := f.statuses.snapshot(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

// ── Remote close and errors ───────────────────────────────────────────────────

func TestController_RemoteCloseIsDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	sess.Emit(s2s.Event{Type: s2s.EventClose})
	waitFor(t, "disconnected", func() bool { return f.statuses.has(live.StatusDisconnected) })

	if f.ctrl.State() != live.Idle {
		t.Errorf("state = %v, want idle", f.ctrl.State())
	}
	if f.statuses.has(live.StatusError) {
		t.Error("remote close reported as error")
	}
	assertClosed(t, f, sess)
}

func TestController_EventStreamEndIsDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	_ = sess.Close()
	waitFor(t, "disconnected", func() bool { return f.statuses.has(live.StatusDisconnected) })
	waitFor(t, "idle", func() bool { return f.ctrl.State() == live.Idle })
}

func TestController_TransportErrorCleansUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)

	sess.Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("socket reset")})
	waitFor(t, "error status", func() bool { return f.statuses.has(live.StatusError) })
	waitFor(t, "idle", func() bool { return f.ctrl.State() == live.Idle })

	assertClosed(t, f, sess)
	want := []live.Status{live.StatusListening, live.StatusConnected, live.StatusError}
	if got := f.statuses.snapshot(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	// Stopping after the error path is a no-op.
	f.ctrl.Stop()
	if sess.CallCountClose != 1 {
		t.Errorf("transport closed %d times, want 1", sess.CallCountClose)
	}
}

func TestController_FreshStartAfterError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.open(t)
	first.Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("boom")})
	waitFor(t, "idle", func() bool { return f.ctrl.State() == live.Idle })

	second := f.open(t)
	if first == second {
		t.Fatal("expected a new transport session")
	}
	if n := f.provider.ConnectCount(); n != 2 {
		t.Errorf("Connect called %d times, want 2", n)
	}
}

// ── State machine ─────────────────────────────────────────────────────────────

func TestController_EveryObservedTransitionIsValid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Stop path.
	sess := f.open(t)
	sess.Emit(speech(240, 0.1))
	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	sess.Emit(speech(240, 0.1))
	out := f.device.LastOutput()
	waitFor(t, "buffers", func() bool { return len(out.Scheduled()) == 2 })
	f.ctrl.Stop()

	// Error path.
	sess = f.open(t)
	sess.Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("x")})
	waitFor(t, "idle", func() bool { return f.ctrl.State() == live.Idle })

	// Remote close path.
	sess = f.open(t)
	sess.Emit(s2s.Event{Type: s2s.EventClose})
	waitFor(t, "idle", func() bool { return f.ctrl.State() == live.Idle })

	// Failed start path.
	f.provider.ConnectErr = errors.New("down")
	_ = f.ctrl.Start(context.Background())

	edges := f.edges.snapshot()
	if len(edges) == 0 {
		t.Fatal("no transitions observed")
	}
	for _, e := range edges {
		if !live.CanTransition(e[0], e[1]) {
			t.Errorf("illegal transition %v -> %v", e[0], e[1])
		}
	}
	if last := edges[len(edges)-1][1]; last != live.Idle {
		t.Errorf("final state = %v, want idle", last)
	}
	if !slices.Contains(edges, [2]live.State{live.Open, live.Open}) {
		t.Error("Open self-loop not observed for inbound messages")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestController_StartAfterClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.open(t)
	if err := f.ctrl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.Closed() {
		t.Error("Close left the transport open")
	}
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Start after Close err = %v, want ErrClosed", err)
	}
	f.ctrl.Stop() // must not block
}

// ── Metrics ───────────────────────────────────────────────────────────────────

func TestController_RecordsSessionMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := newFixture(t, live.WithMetrics(m))
	sess := f.open(t)
	sess.Emit(speech(24000, 0.1))
	waitFor(t, "buffer", func() bool { return len(f.device.LastOutput().Scheduled()) == 1 })

	sumOf := func(name string) (int64, bool) {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		for _, sm := range rm.ScopeMetrics {
			for _, met := range sm.Metrics {
				if met.Name != name {
					continue
				}
				if sum, ok := met.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
					return sum.DataPoints[0].Value, true
				}
			}
		}
		return 0, false
	}

	if v, _ := sumOf("docustudio.active_sessions"); v != 1 {
		t.Errorf("active sessions while open = %d, want 1", v)
	}
	if v, _ := sumOf("docustudio.playback.buffers"); v != 1 {
		t.Errorf("buffers scheduled = %d, want 1", v)
	}

	f.ctrl.Stop()
	if v, _ := sumOf("docustudio.active_sessions"); v != 0 {
		t.Errorf("active sessions after stop = %d, want 0", v)
	}
	if v, _ := sumOf("docustudio.session.starts"); v != 1 {
		t.Errorf("session starts = %d, want 1", v)
	}
}
