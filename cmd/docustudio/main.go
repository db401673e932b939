// Command docustudio serves the documentary studio's live voice assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/docustudio/internal/config"
	"github.com/MrWong99/docustudio/internal/observe"
	"github.com/MrWong99/docustudio/internal/resilience"
	"github.com/MrWong99/docustudio/internal/studio"
	"github.com/MrWong99/docustudio/pkg/provider/s2s"
	geminilive "github.com/MrWong99/docustudio/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/docustudio/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often to check the config file for changes")
	envFile := flag.String("env-file", ".env", "optional dotenv file with API keys, referenced from the config as ${VAR}")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is a LevelVar so a config reload can change it.
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Environment ───────────────────────────────────────────────────────────
	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "err", err)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		onConfigChange(&level, old, new)
	}, config.WithInterval(*reloadEvery))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "docustudio: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "docustudio: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}
	slog.Info("docustudio starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "docustudio",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	printStartupSummary(cfg, listenAddr)

	// ── Studio server ─────────────────────────────────────────────────────────
	studioSrv := studio.New(provider, cfg.Providers.S2S.Name, watcher.Current,
		studio.WithMetrics(metrics),
		studio.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)
	httpSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           studioSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		watcher.Stop()
		// Live sessions run on hijacked connections that http.Server.Shutdown
		// does not track; end them first.
		var errs []error
		if err := studioSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("studio shutdown: %w", err))
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in S2S provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if voice, ok := entry.Options["voice"].(string); ok && voice != "" {
			opts = append(opts, oais2s.WithVoice(voice))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
}

// buildProvider creates the configured S2S provider. It returns nil without
// error when none is configured; the server then refuses live sessions. With
// fallbacks configured the providers are chained behind circuit breakers.
func buildProvider(cfg *config.Config, reg *config.Registry) (s2s.Provider, error) {
	if cfg.Providers.S2S.Name == "" {
		return nil, nil
	}
	primary, err := createProvider(reg, cfg.Providers.S2S)
	if err != nil {
		return nil, err
	}
	if len(cfg.Providers.S2SFallbacks) == 0 {
		return primary, nil
	}

	res := cfg.Providers.Resilience
	chain := resilience.NewS2SFallback(primary, cfg.Providers.S2S.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  res.MaxFailures,
			ResetTimeout: res.ResetTimeout,
		},
	})
	for i, entry := range cfg.Providers.S2SFallbacks {
		p, err := createProvider(reg, entry)
		if err != nil {
			return nil, fmt.Errorf("s2s fallback %d: %w", i, err)
		}
		// Entries may share a provider name; keep breaker names distinct.
		chain.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
	}
	slog.Info("provider failover enabled", "order", chain.Names())
	return chain, nil
}

func createProvider(reg *config.Registry, entry config.ProviderEntry) (s2s.Provider, error) {
	p, err := reg.CreateS2S(entry)
	if err != nil {
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return nil, fmt.Errorf("s2s provider %q is not built in (available: %v): %w", entry.Name, reg.S2SNames(), err)
		}
		return nil, fmt.Errorf("create s2s provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "s2s", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// onConfigChange applies what a reload can change at runtime and reports
// what needs a restart.
func onConfigChange(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LiveChanged {
		slog.Info("live settings changed, applying to new sessions",
			"voice", d.LiveChanges.VoiceChanged,
			"instructions", d.LiveChanges.InstructionsChanged,
			"frame_size", d.LiveChanges.FrameSizeChanged,
			"interrupt_mode", d.LiveChanges.InterruptModeChanged,
		)
	}
	if d.NeedsRestart() {
		slog.Warn("config change requires a restart to take effect",
			"provider", d.ProviderChanged,
			"listen_addr", d.ListenAddrChanged,
		)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       docustudio: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("S2S", providerLabel(cfg.Providers.S2S.Name, cfg.Providers.S2S.Model))
	for _, fb := range cfg.Providers.S2SFallbacks {
		printRow("  fallback", providerLabel(fb.Name, fb.Model))
	}
	printRow("Voice", orDefault(cfg.Live.Voice, "provider default"))
	printRow("Interrupts", orDefault(string(cfg.Live.InterruptMode), string(config.InterruptFlush)))
	printRow("Languages", fmt.Sprint(len(mergedLanguages(cfg))))
	printRow("Listen addr", listenAddr)
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return "(not configured)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func mergedLanguages(cfg *config.Config) map[string]struct{} {
	langs := make(map[string]struct{})
	for l := range config.DefaultInstructions {
		langs[l] = struct{}{}
	}
	for l := range cfg.Live.Instructions {
		langs[l] = struct{}{}
	}
	return langs
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
