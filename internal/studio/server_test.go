package studio_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/docustudio/internal/config"
	"github.com/MrWong99/docustudio/internal/observe"
	"github.com/MrWong99/docustudio/internal/studio"
	"github.com/MrWong99/docustudio/pkg/audio"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
	s2smock "github.com/MrWong99/docustudio/pkg/provider/s2s/mock"
	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newServer(t *testing.T, provider s2s.Provider, cfg *config.Config, opts ...studio.Option) (*studio.Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	opts = append([]studio.Option{studio.WithMetrics(testMetrics(t))}, opts...)
	srv := studio.New(provider, "mock", func() *config.Config { return cfg }, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func dialTab(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/live" + query
	tab, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tab.SetReadLimit(1 << 20)
	t.Cleanup(func() { _ = tab.CloseNow() })
	return tab
}

type tabMessage struct {
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	SampleRate int     `json:"sampleRate"`
	FrameSize  int     `json:"frameSize"`
	At         float64 `json:"at"`
	Data       string  `json:"data"`
}

func readAny(t *testing.T, tab *websocket.Conn) tabMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := tab.Read(ctx)
	if err != nil {
		t.Fatalf("tab read: %v", err)
	}
	var msg tabMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

// expect reads the next server message and checks its type.
func expect(t *testing.T, tab *websocket.Conn, typ string) tabMessage {
	t.Helper()
	msg := readAny(t, tab)
	if msg.Type != typ {
		t.Fatalf("got message %+v, want type %q", msg, typ)
	}
	return msg
}

func expectStatus(t *testing.T, tab *websocket.Conn, status string) {
	t.Helper()
	if msg := expect(t, tab, "status"); msg.Status != status {
		t.Fatalf("status = %q, want %q", msg.Status, status)
	}
}

func send(t *testing.T, tab *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := tab.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("tab write: %v", err)
	}
}

func sendFrame(t *testing.T, tab *websocket.Conn, n int) {
	t.Helper()
	buf := make([]byte, n*4)
	for i := range n {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(0.25))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := tab.Write(ctx, websocket.MessageBinary, buf); err != nil {
		t.Fatalf("tab write frame: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startSession plays the tab through a successful start up to "connected".
func startSession(t *testing.T, tab *websocket.Conn, provider *s2smock.Provider) *s2smock.Session {
	t.Helper()
	calls := provider.ConnectCount()

	send(t, tab, map[string]any{"type": "start"})
	expectStatus(t, tab, "listening")
	open := expect(t, tab, "open_input")
	if open.SampleRate != 16000 {
		t.Errorf("open_input rate = %d, want 16000", open.SampleRate)
	}
	send(t, tab, map[string]any{"type": "input_ready", "sampleRate": 16000})
	if msg := expect(t, tab, "open_output"); msg.SampleRate != 24000 {
		t.Errorf("open_output rate = %d, want 24000", msg.SampleRate)
	}
	send(t, tab, map[string]any{"type": "output_ready", "time": 0})

	waitFor(t, "connect", func() bool {
		return provider.ConnectCount() > calls && provider.LastSession() != nil
	})
	sess := provider.LastSession()
	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	expectStatus(t, tab, "connected")
	return sess
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestLive_FullSession(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	cfg := &config.Config{Live: config.LiveConfig{Voice: "Kore", FrameSize: 1024}}
	srv, ts := newServer(t, provider, cfg)

	tab := dialTab(t, ts, "?lang=fr")
	waitFor(t, "connection count", func() bool { return srv.Connections() == 1 })

	send(t, tab, map[string]any{"type": "start"})
	expectStatus(t, tab, "listening")
	if msg := expect(t, tab, "open_input"); msg.FrameSize != 1024 {
		t.Errorf("open_input frame size = %d, want 1024", msg.FrameSize)
	}
	send(t, tab, map[string]any{"type": "input_ready"})
	expect(t, tab, "open_output")
	send(t, tab, map[string]any{"type": "output_ready", "time": 3.5})

	waitFor(t, "connect", func() bool { return provider.LastSession() != nil })
	got := provider.ConnectCalls[0].Cfg
	if got.Instructions != config.DefaultInstructions["fr"] {
		t.Errorf("instructions = %q, want the French default", got.Instructions)
	}
	if got.Voice != "Kore" {
		t.Errorf("voice = %q, want Kore", got.Voice)
	}

	sess := provider.LastSession()
	sess.Emit(s2s.Event{Type: s2s.EventOpen})
	expectStatus(t, tab, "connected")

	// Microphone audio reaches the transport.
	sendFrame(t, tab, 1024)
	waitFor(t, "realtime input", func() bool { return len(sess.Sent()) > 0 })
	if mime := sess.Sent()[0].MIMEType; mime != "audio/pcm;rate=16000" {
		t.Errorf("sent MIME = %q", mime)
	}

	// Model audio is scheduled in the tab, relative to its clock.
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodeBlob(make([]float32, 2400), 24000)})
	play := expect(t, tab, "play")
	if play.At < 3.5 {
		t.Errorf("play at %v, want >= the tab clock 3.5", play.At)
	}
	if play.SampleRate != 24000 {
		t.Errorf("play rate = %d", play.SampleRate)
	}

	// Barge-in flushes the tab's queue.
	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	expect(t, tab, "flush")

	send(t, tab, map[string]any{"type": "stop"})
	expect(t, tab, "close_input")
	expect(t, tab, "close_output")
	expectStatus(t, tab, "disconnected")
	if !sess.Closed() {
		t.Error("transport not closed after stop")
	}

	_ = tab.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "disconnect", func() bool { return srv.Connections() == 0 })
}

func TestLive_ResetInterruptModeDoesNotFlush(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	cfg := &config.Config{Live: config.LiveConfig{InterruptMode: config.InterruptReset}}
	_, ts := newServer(t, provider, cfg)
	tab := dialTab(t, ts, "")

	sess := startSession(t, tab, provider)
	sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodeBlob(make([]float32, 240), 24000)})
	// With reset-only interrupts the next message is the play, not a flush.
	expect(t, tab, "play")
}

func TestLive_DefaultLanguage(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	_, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "?lang=xx")

	startSession(t, tab, provider)
	if got := provider.ConnectCalls[0].Cfg.Instructions; got != config.DefaultInstructions["en"] {
		t.Errorf("instructions = %q, want the English default", got)
	}
}

func TestLive_PermissionDeniedThenRetry(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	_, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "")

	send(t, tab, map[string]any{"type": "start"})
	expectStatus(t, tab, "listening")
	expect(t, tab, "open_input")
	send(t, tab, map[string]any{"type": "input_denied", "reason": "NotAllowedError"})
	expectStatus(t, tab, "error")

	if n := provider.ConnectCount(); n != 0 {
		t.Errorf("Connect called %d times after denial", n)
	}

	// The user can grant access on a second try.
	startSession(t, tab, provider)
}

func TestLive_RemoteCloseReportsDisconnected(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	_, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "")

	sess := startSession(t, tab, provider)
	sess.Emit(s2s.Event{Type: s2s.EventClose})
	expect(t, tab, "close_input")
	expect(t, tab, "close_output")
	expectStatus(t, tab, "disconnected")
}

func TestLive_TransportErrorReportsError(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	_, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "")

	sess := startSession(t, tab, provider)
	sess.Emit(s2s.Event{Type: s2s.EventError, Err: errors.New("quota exceeded")})
	expectStatus(t, tab, "error")
	expect(t, tab, "close_input")
	expect(t, tab, "close_output")
}

func TestLive_TabClosingEndsSession(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	srv, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "")

	sess := startSession(t, tab, provider)
	_ = tab.Close(websocket.StatusGoingAway, "tab closed")

	waitFor(t, "transport close", sess.Closed)
	waitFor(t, "disconnect", func() bool { return srv.Connections() == 0 })
}

func TestLive_StopWhileWaitingForMicrophone(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	_, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "")

	send(t, tab, map[string]any{"type": "start"})
	expectStatus(t, tab, "listening")
	expect(t, tab, "open_input")

	// The user clicks stop while the permission prompt is still showing. The
	// withdrawn prompt and the status race each other.
	send(t, tab, map[string]any{"type": "stop"})
	seen := map[string]bool{}
	for range 2 {
		msg := readAny(t, tab)
		seen[msg.Type+":"+msg.Status] = true
	}
	if !seen["close_input:"] || !seen["status:disconnected"] {
		t.Fatalf("messages after stop = %v, want close_input and disconnected", seen)
	}

	// A late grant is ignored and a new start works.
	send(t, tab, map[string]any{"type": "input_ready"})
	startSession(t, tab, provider)
	if n := provider.ConnectCount(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
}

func TestLive_NoProvider(t *testing.T) {
	t.Parallel()
	_, ts := newServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/live status = %d, want 503", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), "providers.s2s") {
		t.Errorf("/readyz body = %s", body)
	}
}

func TestShutdown_DisconnectsTabsAndDrains(t *testing.T) {
	t.Parallel()
	provider := &s2smock.Provider{}
	srv, ts := newServer(t, provider, nil)
	tab := dialTab(t, ts, "")
	sess := startSession(t, tab, provider)

	// The tab keeps reading so the server's close handshake completes.
	type read struct {
		msg tabMessage
		err error
	}
	reads := make(chan read, 16)
	go func() {
		defer close(reads)
		for {
			_, data, err := tab.Read(context.Background())
			if err != nil {
				reads <- read{err: err}
				return
			}
			var msg tabMessage
			_ = json.Unmarshal(data, &msg)
			reads <- read{msg: msg}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !sess.Closed() {
		t.Error("transport still open after shutdown")
	}
	if n := srv.Connections(); n != 0 {
		t.Errorf("connections after shutdown = %d", n)
	}

	// The tab sees the session end and then the socket close.
	var got []string
	var closeErr error
	for r := range reads {
		if r.err != nil {
			closeErr = r.err
			break
		}
		got = append(got, r.msg.Type+":"+r.msg.Status)
	}
	want := []string{"close_input:", "close_output:", "status:disconnected"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tab messages = %v, want %v", got, want)
	}
	if websocket.CloseStatus(closeErr) != websocket.StatusNormalClosure {
		t.Errorf("tab read after shutdown = %v, want normal closure", closeErr)
	}

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz while draining = %d, want 503", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/live while draining = %d, want 503", resp.StatusCode)
	}
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	_, ts := newServer(t, &s2smock.Provider{}, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestRoutes_MetricsDisabled(t *testing.T) {
	t.Parallel()
	_, ts := newServer(t, &s2smock.Provider{}, nil, studio.WithMetricsHandler(nil))
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /metrics = %d, want 404", resp.StatusCode)
	}
}
