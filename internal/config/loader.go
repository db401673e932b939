package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/docustudio/pkg/provider/s2s"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live", "openai-realtime"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandProviderEnv(&cfg.Providers)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandProviderEnv replaces ${VAR} and $VAR references in provider
// credentials and endpoints with environment values, so API keys can live in
// the environment or a .env file instead of the config file.
func expandProviderEnv(p *ProvidersConfig) {
	expand := func(e *ProviderEntry) {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
	expand(&p.S2S)
	for i := range p.S2SFallbacks {
		expand(&p.S2SFallbacks[i])
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Providers
	providers := cfg.Providers
	validateProviderName("s2s", providers.S2S.Name)
	if providers.S2S.Name == "" {
		if len(providers.S2SFallbacks) > 0 {
			errs = append(errs, errors.New("providers.s2s_fallbacks requires providers.s2s"))
		} else {
			slog.Warn("providers.s2s is not configured; live sessions will be refused")
		}
	} else {
		warnMissingKey("providers.s2s", providers.S2S)
	}
	for i, fb := range providers.S2SFallbacks {
		field := fmt.Sprintf("providers.s2s_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
			continue
		}
		validateProviderName("s2s", fb.Name)
		warnMissingKey(field, fb)
	}
	if providers.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.resilience.max_failures %d must not be negative", providers.Resilience.MaxFailures))
	}
	if providers.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.resilience.reset_timeout %s must not be negative", providers.Resilience.ResetTimeout))
	}

	// Live
	live := cfg.Live
	if live.Voice != "" {
		warnForeignVoice("providers.s2s", providers.S2S, live.Voice)
		for i, fb := range providers.S2SFallbacks {
			warnForeignVoice(fmt.Sprintf("providers.s2s_fallbacks[%d]", i), fb, live.Voice)
		}
	}
	if live.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("live.frame_size %d must not be negative", live.FrameSize))
	} else if live.FrameSize > 0 && live.FrameSize&(live.FrameSize-1) != 0 {
		slog.Warn("live.frame_size is not a power of two; browsers only support power-of-two capture buffers",
			"frame_size", live.FrameSize,
		)
	}
	if live.InterruptMode != "" && !live.InterruptMode.IsValid() {
		errs = append(errs, fmt.Errorf("live.interrupt_mode %q is invalid; valid values: flush, reset", live.InterruptMode))
	}
	switch live.ResponseModality {
	case "", s2s.ModalityAudio, s2s.ModalityText:
	default:
		errs = append(errs, fmt.Errorf("live.response_modality %q is invalid; valid values: AUDIO, TEXT", live.ResponseModality))
	}
	for lang, instr := range live.Instructions {
		if lang == "" {
			errs = append(errs, errors.New("live.instructions has an empty language key"))
		}
		if instr == "" {
			errs = append(errs, fmt.Errorf("live.instructions[%s] is empty", lang))
		}
	}
	if live.DefaultLanguage != "" {
		_, configured := live.Instructions[live.DefaultLanguage]
		_, builtin := DefaultInstructions[live.DefaultLanguage]
		if !configured && !builtin {
			errs = append(errs, fmt.Errorf("live.default_language %q has no instructions", live.DefaultLanguage))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func warnMissingKey(field string, entry ProviderEntry) {
	if entry.APIKey == "" && entry.BaseURL == "" {
		slog.Warn(field+".api_key is empty; the provider will likely reject connections",
			"provider", entry.Name,
		)
	}
}

// warnForeignVoice logs a warning when live.voice would reach an OpenAI entry
// without its own options.voice. Voice names are not shared between providers.
func warnForeignVoice(field string, entry ProviderEntry, voice string) {
	if entry.Name != "openai-realtime" {
		return
	}
	if v, ok := entry.Options["voice"].(string); ok && v != "" {
		return
	}
	slog.Warn(field+" has no options.voice; live.voice is sent as is and may be rejected",
		"voice", voice,
	)
}
