// Package studio serves the documentary editor's live assistant over HTTP.
//
// Each browser tab that opens the editor connects to GET /live with a
// WebSocket. The connection becomes one [browser.Conn] (the tab's microphone
// and speakers) driven by one [live.Controller]; the tab's start and stop
// buttons map to Start and Stop, and every session status is pushed back to
// the tab. Closing the tab ends the session.
//
// The server also exposes /healthz, /readyz and /metrics. Every route passes
// through [observe.Middleware].
package studio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/docustudio/internal/config"
	"github.com/MrWong99/docustudio/internal/health"
	"github.com/MrWong99/docustudio/internal/live"
	"github.com/MrWong99/docustudio/internal/observe"
	"github.com/MrWong99/docustudio/pkg/audio"
	"github.com/MrWong99/docustudio/pkg/audio/browser"
	"github.com/MrWong99/docustudio/pkg/audio/playback"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// errNoProvider is reported by /readyz when no S2S provider is configured.
var errNoProvider = errors.New("providers.s2s is not configured")

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler. Defaults to
// [promhttp.Handler]. Pass nil to disable the route.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithOriginPatterns lists the host patterns allowed to open /live from
// another origin (see [websocket.AcceptOptions]). Same-origin requests are
// always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithBrowserOptions passes options to every [browser.Conn].
func WithBrowserOptions(opts ...browser.Option) Option {
	return func(s *Server) { s.browserOpts = opts }
}

// Server is the studio HTTP server. Create it with [New].
type Server struct {
	provider     s2s.Provider
	providerName string
	config       func() *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler
	originPatterns []string
	browserOpts    []browser.Option

	health  *health.Handler
	handler http.Handler

	conns     atomic.Int64
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// New builds a server that runs live sessions against provider. providerName
// labels logs and metrics. cfg is consulted for every new connection and every
// session start, so hot-reloaded settings apply to the next session. provider
// may be nil, in which case /live answers 503 and /readyz fails.
func New(provider s2s.Provider, providerName string, cfg func() *config.Config, opts ...Option) *Server {
	s := &Server{
		provider:       provider,
		providerName:   providerName,
		config:         cfg,
		metricsHandler: promhttp.Handler(),
		quit:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	s.health = health.New([]health.Checker{{
		Name: "provider",
		Check: func(context.Context) error {
			if s.provider == nil {
				return errNoProvider
			}
			return nil
		},
	}}, health.WithSessionCount(s.conns.Load))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /live", s.handleLive)
	s.health.Register(mux)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the server's root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Connections returns the number of connected editor tabs.
func (s *Server) Connections() int64 { return s.conns.Load() }

// Shutdown marks the server as draining, ends every live session and waits
// until all tabs are disconnected or ctx expires. [http.Server.Shutdown] does
// not wait for hijacked connections, so call both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetDraining(true)
	s.closeOnce.Do(func() { close(s.quit) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	if s.provider == nil {
		http.Error(w, errNoProvider.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.health.Draining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		// Accept already wrote the HTTP error.
		log.Warn("studio: websocket accept failed", "err", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.conns.Add(1)
	defer s.conns.Add(-1)

	lang := r.URL.Query().Get("lang")
	s.serve(r.Context(), browser.New(ws, s.browserOpts...), lang)
}

// serve runs one tab's control loop until the tab leaves or the server shuts
// down.
func (s *Server) serve(reqCtx context.Context, conn *browser.Conn, lang string) {
	cfg := s.config()
	lang = cfg.Live.Language(lang)
	trace.SpanFromContext(reqCtx).SetAttributes(observe.AttrLanguage.String(lang))
	log := observe.Logger(reqCtx).With("conn_id", uuid.NewString(), "lang", lang)
	log.Info("studio: editor connected")

	ctrl := live.New(s.provider, conn,
		live.WithStatusSink(func(st live.Status) {
			if err := conn.SendStatus(string(st)); err != nil {
				log.Debug("studio: status not delivered", "status", st, "err", err)
			}
		}),
		live.WithSessionConfigFunc(func() s2s.SessionConfig {
			return s.config().SessionConfig(lang)
		}),
		live.WithFrameSize(frameSize(cfg)),
		live.WithInterruptMode(interruptMode(cfg)),
		live.WithMetrics(s.metrics),
		live.WithProviderName(s.providerName),
	)

	// Start runs off the loop so a stop from the tab can cancel a pending
	// microphone prompt.
	ctx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	var starts sync.WaitGroup
	defer func() {
		cancel()
		_ = ctrl.Close()
		starts.Wait()
		_ = conn.Close()
		if err := conn.Err(); err != nil {
			log.Info("studio: editor disconnected", "err", err)
		} else {
			log.Info("studio: editor disconnected")
		}
	}()

	for {
		select {
		case ctl, ok := <-conn.Controls():
			if !ok {
				return
			}
			switch ctl {
			case browser.ControlStart:
				starts.Add(1)
				go func() {
					defer starts.Done()
					logStartError(log, ctrl.Start(ctx))
				}()
			case browser.ControlStop:
				ctrl.Stop()
			}
		case <-s.quit:
			return
		}
	}
}

func logStartError(log *slog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, audio.ErrPermissionDenied):
		log.Info("studio: microphone access denied", "err", err)
	case errors.Is(err, live.ErrSessionActive),
		errors.Is(err, live.ErrStopped),
		errors.Is(err, live.ErrClosed),
		errors.Is(err, context.Canceled):
		log.Debug("studio: start abandoned", "err", err)
	default:
		log.Warn("studio: session start failed", "err", err)
	}
}

func frameSize(cfg *config.Config) int {
	if cfg.Live.FrameSize > 0 {
		return cfg.Live.FrameSize
	}
	return audio.DefaultFrameSize
}

func interruptMode(cfg *config.Config) playback.InterruptMode {
	if cfg.Live.InterruptMode == config.InterruptReset {
		return playback.ResetOnly
	}
	return playback.FlushOnInterrupt
}
