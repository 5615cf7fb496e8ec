// Command hyperlive is a terminal voice chat client for realtime speech
// models. It captures the default microphone, streams it to the configured
// live provider and plays the spoken replies back gap-free.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/hyperlive/internal/app"
	"github.com/MrWong99/hyperlive/internal/config"
	"github.com/MrWong99/hyperlive/internal/observe"
	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/audio/portaudio"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
	geminilive "github.com/MrWong99/hyperlive/pkg/provider/s2s/gemini"
	geminisdk "github.com/MrWong99/hyperlive/pkg/provider/s2s/genai"
	oais2s "github.com/MrWong99/hyperlive/pkg/provider/s2s/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "hyperlive.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file with API keys; missing files are ignored")
	listen := flag.String("listen", "", "override server.listen_addr (\"-\" disables the API)")
	autostart := flag.Bool("autostart", false, "start talking immediately")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "hyperlive: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration ─────────────────────────────────────────────────────────
	var application *app.App
	watcher, cfg, err := loadConfig(*configPath, isFlagSet("config"), func(old, new *config.Config) {
		application.OnConfigChange(old, new)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "hyperlive: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	cfg.Session.Autostart = cfg.Session.Autostart || *autostart
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("hyperlive starting",
		"version", version,
		"provider", cfg.Provider.Name,
		"audio", cfg.Audio.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := app.BuildProvider(reg, cfg.Provider, cfg.Session.Breaker)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}
	platform, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to build audio platform", "err", err)
		return 1
	}

	printStartupSummary(cfg, configSource(watcher))

	// ── Run ───────────────────────────────────────────────────────────────────
	application = app.New(cfg, platform, provider,
		app.WithLogLevel(&level),
		app.WithConsole(os.Stdout),
	)

	var extra []func(context.Context) error
	if watcher != nil {
		extra = append(extra, watcher.Run)
	}
	if err := application.Run(ctx, extra...); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads the config through a watcher so edits are applied while
// running. A missing default config file falls back to built-in defaults
// without hot reload; a missing explicit one is an error.
func loadConfig(path string, explicit bool, onChange func(old, new *config.Config)) (*config.Watcher, *config.Config, error) {
	w, err := config.NewWatcher(path, onChange)
	if err == nil {
		// Copy so flag overrides do not leak into reload diffs.
		cfg := *w.Current()
		return w, &cfg, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		return nil, nil, fmt.Errorf("no %s found and defaults are incomplete: %w", path, err)
	}
	return nil, cfg, nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func configSource(w *config.Watcher) string {
	if w == nil {
		return "(defaults)"
	}
	return w.Path()
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltins wires the built-in provider and platform factories into
// reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		return geminilive.New(entry.APIKey,
			geminilive.WithModel(entry.Model),
			geminilive.WithBaseURL(entry.BaseURL),
		), nil
	})

	reg.RegisterS2S("gemini-sdk", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminisdk.Option{geminisdk.WithModel(entry.Model)}
		if entry.BaseURL != "" {
			opts = append(opts, geminisdk.WithBaseURL(entry.BaseURL))
		}
		return geminisdk.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		return oais2s.New(entry.APIKey,
			oais2s.WithModel(entry.Model),
			oais2s.WithBaseURL(entry.BaseURL),
			oais2s.WithTranscriptionModel(optString(entry.Options, "transcription_model")),
		), nil
	})

	reg.RegisterAudio("portaudio", func(cfg config.AudioConfig) (audio.Platform, error) {
		return portaudio.New(cfg.OutputSampleRate), nil
	})

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, source string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        hyperlive startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Config", source)
	printRow("Provider", providerLabel(cfg.Provider))
	for _, fb := range cfg.Provider.Fallbacks {
		printRow("  fallback", providerLabel(fb))
	}
	printRow("Audio", cfg.Audio.Name)
	printRow("Persona", cfg.Settings.Persona)
	printRow("Voice", string(cfg.Settings.Voice))
	printRow("Tone", string(cfg.Settings.Tone))
	printRow("Language", cfg.Settings.Language)
	if cfg.Server.ListenAddr != "-" {
		printRow("API", cfg.Server.ListenAddr)
	} else {
		printRow("API", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	if !cfg.Session.Autostart {
		fmt.Println("POST /api/session to start talking, or run with -autostart.")
	}
}

func providerLabel(p config.ProviderEntry) string {
	if p.Model != "" {
		return p.Name + " / " + p.Model
	}
	return p.Name
}

func printRow(key, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
