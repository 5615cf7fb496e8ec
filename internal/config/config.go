// Package config provides the configuration schema, loader, watcher and
// provider registry for the hyperlive voice chat client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/hyperlive/internal/settings"
)

// LogLevel controls log verbosity.
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

// Slog maps l to the matching [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default values applied by [ApplyDefaults] to zero fields.
const (
	DefaultListenAddr     = "127.0.0.1:8090"
	DefaultProvider       = "gemini-live"
	DefaultAudio          = "portaudio"
	DefaultFrameSize      = 4096
	DefaultRestartDelay   = 500 * time.Millisecond
	DefaultConnectTimeout = 15 * time.Second
	DefaultMaxFailures    = 3
	DefaultResetTimeout   = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Provider ProviderEntry     `yaml:"provider"`
	Audio    AudioConfig       `yaml:"audio"`
	Settings settings.Settings `yaml:"settings"`
	Session  SessionConfig     `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the local HTTP API. An explicit "-"
	// disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry names a live model provider and the credentials it needs.
type ProviderEntry struct {
	// Name selects the registered factory, e.g. "gemini-live".
	Name string `yaml:"name"`

	// APIKey authenticates against the vendor. When empty the loader falls
	// back to the vendor's environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the vendor endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the vendor's default live model.
	Model string `yaml:"model"`

	// Options carries provider-specific settings.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when connecting to this provider fails.
	// Nested fallbacks are ignored.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// AudioConfig selects the audio platform.
type AudioConfig struct {
	// Name selects the registered platform, e.g. "portaudio".
	Name string `yaml:"name"`

	// FrameSize is the number of samples per captured microphone chunk.
	FrameSize int `yaml:"frame_size"`

	// OutputSampleRate forces the playback device rate. Zero uses the
	// device's native rate.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// SessionConfig tunes the live session controller.
type SessionConfig struct {
	// RestartDelay is the settling time between stop and start when the
	// settings change during an active session.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Autostart starts a session as soon as the client is running.
	Autostart bool `yaml:"autostart"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding connects.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills zero fields of cfg with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Name == "" {
		cfg.Audio.Name = DefaultAudio
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	cfg.Settings = cfg.Settings.WithDefaults()
	if cfg.Session.RestartDelay == 0 {
		cfg.Session.RestartDelay = DefaultRestartDelay
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Session.Breaker.MaxFailures == 0 {
		cfg.Session.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Session.Breaker.ResetTimeout == 0 {
		cfg.Session.Breaker.ResetTimeout = DefaultResetTimeout
	}
}

// APIEnv lists the environment variables consulted, in order, for a
// provider's API key when none is configured.
var APIEnv = map[string][]string{
	"gemini-live":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"gemini-sdk":      {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai-realtime": {"OPENAI_API_KEY"},
}

// ApplyEnv fills empty API keys of the provider and its fallbacks from
// getenv using [APIEnv].
func ApplyEnv(cfg *Config, getenv func(string) string) {
	resolveKey(&cfg.Provider, getenv)
	for i := range cfg.Provider.Fallbacks {
		resolveKey(&cfg.Provider.Fallbacks[i], getenv)
	}
}

func resolveKey(p *ProviderEntry, getenv func(string) string) {
	if p.APIKey != "" {
		return
	}
	for _, name := range APIEnv[p.Name] {
		if v := getenv(name); v != "" {
			p.APIKey = v
			return
		}
	}
}
