package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LiveChanged is true if any live session setting changed. Sessions
	// started after the reload pick the new settings up.
	LiveChanged bool
	LiveChanges LiveDiff

	// ProviderChanged is true if any provider entry, the fallback chain or
	// its tuning changed. Providers are built once at startup, so this only
	// takes effect after a restart.
	ProviderChanged bool

	// ListenAddrChanged also requires a restart.
	ListenAddrChanged bool
}

// LiveDiff describes which live settings changed.
type LiveDiff struct {
	VoiceChanged         bool
	ModalityChanged      bool
	InstructionsChanged  bool
	FrameSizeChanged     bool
	InterruptModeChanged bool
}

func (d LiveDiff) any() bool {
	return d.VoiceChanged || d.ModalityChanged || d.InstructionsChanged ||
		d.FrameSizeChanged || d.InterruptModeChanged
}

// NeedsRestart reports whether the diff contains changes that are not
// applied by a hot reload.
func (d ConfigDiff) NeedsRestart() bool {
	return d.ProviderChanged || d.ListenAddrChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	d.ProviderChanged = !reflect.DeepEqual(old.Providers, new.Providers)

	d.LiveChanges = diffLive(&old.Live, &new.Live)
	d.LiveChanged = d.LiveChanges.any()

	return d
}

func diffLive(old, new *LiveConfig) LiveDiff {
	return LiveDiff{
		VoiceChanged:    old.Voice != new.Voice,
		ModalityChanged: old.ResponseModality != new.ResponseModality,
		InstructionsChanged: old.DefaultLanguage != new.DefaultLanguage ||
			!maps.Equal(old.Instructions, new.Instructions),
		FrameSizeChanged:     old.FrameSize != new.FrameSize,
		InterruptModeChanged: old.InterruptMode != new.InterruptMode,
	}
}
