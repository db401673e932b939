// Package config provides the configuration schema, loader, and provider registry
// for the docustudio live assistant.
package config

import (
	"time"

	"github.com/MrWong99/docustudio/pkg/provider/s2s"
)

// LogLevel controls log verbosity for the docustudio server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// InterruptMode selects what happens to already scheduled playback when the
// user talks over the assistant.
type InterruptMode string

const (
	// InterruptFlush stops queued audio immediately and resets the cursor.
	InterruptFlush InterruptMode = "flush"

	// InterruptReset only resets the cursor; queued audio plays out.
	InterruptReset InterruptMode = "reset"
)

// IsValid reports whether m is a recognised interrupt mode.
func (m InterruptMode) IsValid() bool {
	return m == InterruptFlush || m == InterruptReset
}

// DefaultLanguage is the UI language used when a client does not name one.
const DefaultLanguage = "en"

// DefaultInstructions are the built-in system instructions per UI language.
var DefaultInstructions = map[string]string{
	"en": "You are an expert documentary director assistant. Help the user create their story. Be brief, encouraging and creative.",
	"fr": "Tu es un assistant réalisateur expert. Aide l'utilisateur à créer son documentaire. Sois bref, encourageant et créatif.",
}

// Config is the root configuration structure for docustudio.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Live      LiveConfig      `yaml:"live"`
}

// ServerConfig holds network and logging settings for the docustudio server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	// Browsers only grant microphone access to secure origins, so anything
	// beyond localhost needs TLS here or in front of the server.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns (e.g. "studio.example.com") that may
	// open the live WebSocket from another origin. Same-origin tabs are always
	// allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs the live
// session. The entry's Name selects a provider registered in the [Registry].
type ProvidersConfig struct {
	S2S ProviderEntry `yaml:"s2s"`

	// S2SFallbacks are tried in order when S2S refuses a session. Each entry
	// carries its own credentials and model.
	S2SFallbacks []ProviderEntry `yaml:"s2s_fallbacks"`

	// Resilience tunes the circuit breaker kept per provider when fallbacks
	// are configured.
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ResilienceConfig tunes provider failover. Zero values select the defaults.
type ResilienceConfig struct {
	// MaxFailures is the number of consecutive refused sessions after which a
	// provider is skipped. Default: 3.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a skipped provider rests before it is probed
	// again. Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderEntry is the common configuration block of a provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// LiveConfig holds the settings of one live voice session. Changes apply to
// the next session that starts.
type LiveConfig struct {
	// Voice is the prebuilt voice the model speaks with.
	Voice string `yaml:"voice"`

	// ResponseModality is "AUDIO" (default) or "TEXT".
	ResponseModality s2s.Modality `yaml:"response_modality"`

	// Instructions maps a UI language code to the system instruction used
	// for sessions started from that language. Missing languages fall back to
	// [DefaultInstructions].
	Instructions map[string]string `yaml:"instructions"`

	// DefaultLanguage is used when the client does not name a language.
	DefaultLanguage string `yaml:"default_language"`

	// FrameSize is the number of samples per capture frame. 0 means 4096.
	FrameSize int `yaml:"frame_size"`

	// InterruptMode is "flush" (default) or "reset".
	InterruptMode InterruptMode `yaml:"interrupt_mode"`
}

// Language returns lang when it has instructions, otherwise the configured
// default language.
func (l LiveConfig) Language(lang string) string {
	if lang != "" {
		if _, ok := l.Instructions[lang]; ok {
			return lang
		}
		if _, ok := DefaultInstructions[lang]; ok {
			return lang
		}
	}
	if l.DefaultLanguage != "" {
		return l.DefaultLanguage
	}
	return DefaultLanguage
}

// Instruction returns the system instruction for lang.
func (l LiveConfig) Instruction(lang string) string {
	lang = l.Language(lang)
	if s, ok := l.Instructions[lang]; ok {
		return s
	}
	if s, ok := DefaultInstructions[lang]; ok {
		return s
	}
	return DefaultInstructions[DefaultLanguage]
}

// SessionConfig builds the provider session configuration for a session
// started from the UI language lang. With fallbacks configured the model is
// left empty so every provider uses the model of its own entry. An empty
// live.voice is passed through and each provider picks its own default.
func (c *Config) SessionConfig(lang string) s2s.SessionConfig {
	var model string
	if len(c.Providers.S2SFallbacks) == 0 {
		model = c.Providers.S2S.Model
	}
	return s2s.SessionConfig{
		Model:            model,
		ResponseModality: c.Live.ResponseModality,
		Voice:            c.Live.Voice,
		Instructions:     c.Live.Instruction(lang),
	}
}
