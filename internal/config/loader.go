package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "gemini-sdk", "openai-realtime", "mock"},
	"audio": {"portaudio", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied and API keys resolved from the environment.
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

// LoadFromReader decodes a YAML config from r, applies defaults, resolves
// missing API keys from the process environment and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	errs = append(errs, validateProvider("provider", cfg.Provider)...)
	for i, fb := range cfg.Provider.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("provider.fallbacks[%d]", i), fb)...)
	}

	if cfg.Audio.Name == "" {
		errs = append(errs, errors.New("audio.name is required"))
	}
	validateProviderName("audio", cfg.Audio.Name)
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size must be positive, got %d", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate must not be negative, got %d", cfg.Audio.OutputSampleRate))
	}

	if err := cfg.Settings.Validate(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Session.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("session.restart_delay must not be negative, got %s", cfg.Session.RestartDelay))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout must not be negative, got %s", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("session.breaker.max_failures must not be negative, got %d", cfg.Session.Breaker.MaxFailures))
	}
	if cfg.Session.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.breaker.reset_timeout must not be negative, got %s", cfg.Session.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, p ProviderEntry) []error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		return errs
	}
	validateProviderName("s2s", p.Name)
	if envs, ok := APIEnv[p.Name]; ok && p.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required for %q (or set %s)", prefix, p.Name, envs[0]))
	}
	return errs
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
