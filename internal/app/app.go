// Package app wires the hyperlive subsystems into a running client.
//
// New builds the session controller, the transcript log, the console
// printer and the local HTTP API from a loaded config. Run drives them in an
// errgroup until the context is cancelled, then closes the controller.
//
// For testing, pass the audio platform and provider directly (usually the
// in-repo mocks) and disable the HTTP listener with ListenAddr "-".
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/hyperlive/internal/config"
	"github.com/MrWong99/hyperlive/internal/health"
	"github.com/MrWong99/hyperlive/internal/observe"
	"github.com/MrWong99/hyperlive/internal/resilience"
	"github.com/MrWong99/hyperlive/internal/session"
	"github.com/MrWong99/hyperlive/internal/transcript"
	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful HTTP server shutdown.
const shutdownTimeout = 5 * time.Second

// App owns the controller and its presenters.
type App struct {
	cfg     *config.Config
	ctrl    *session.Controller
	log     *transcript.Log
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	console *console
	health  *health.Handler
	handler http.Handler

	levels *slog.LevelVar

	mu     sync.Mutex
	runCtx context.Context
	addr   net.Addr
	ready  chan struct{}
}

// Option is a functional option for New.
type Option func(*App)

// WithLogLevel lets config reloads adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levels = lv }
}

// WithConsole redirects the chat and status printer. Nil disables it.
func WithConsole(w io.Writer) Option {
	return func(a *App) {
		if w == nil {
			a.console = nil
			return
		}
		a.console = newConsole(w)
	}
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App for cfg that plays and captures through platform and
// talks to provider.
func New(cfg *config.Config, platform audio.Platform, provider s2s.Provider, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		log:     transcript.NewLog(),
		metrics: observe.DefaultMetrics(),
		console: newConsole(os.Stdout),
		runCtx:  context.Background(),
		ready:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         cfg.Provider.Name + "-connect",
		MaxFailures:  cfg.Session.Breaker.MaxFailures,
		ResetTimeout: cfg.Session.Breaker.ResetTimeout,
	})

	ctrlOpts := []session.Option{
		session.WithMetrics(a.metrics),
		session.WithBreaker(a.breaker),
		session.WithConnectTimeout(cfg.Session.ConnectTimeout),
		session.WithRestartDelay(cfg.Session.RestartDelay),
		session.WithFrameSize(cfg.Audio.FrameSize),
		session.WithTranscriptLog(a.log),
		session.WithProviderName(cfg.Provider.Name),
		session.WithSettings(cfg.Settings),
	}
	if a.console != nil {
		ctrlOpts = append(ctrlOpts, session.WithStatusListener(a.console.status))
	}
	a.ctrl = session.New(platform, provider, ctrlOpts...)

	a.health = health.New(
		health.Checker{Name: "breaker", Check: a.checkBreaker},
		health.Checker{Name: "session", Check: a.checkSession},
	)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.registerAPI(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	return a
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller {
	return a.ctrl
}

// Handler returns the HTTP handler serving the probes, metrics and API.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Addr returns the API listener address once Run has bound it, or nil.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Ready is closed once Run has started every subsystem.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Run serves the API, prints the chat, optionally starts a session and blocks
// until ctx is cancelled or a subsystem fails. The controller is closed
// before Run returns.
func (a *App) Run(ctx context.Context, extra ...func(context.Context) error) error {
	defer a.ctrl.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	a.mu.Lock()
	a.runCtx = gctx
	a.mu.Unlock()

	if a.cfg.Server.ListenAddr != "-" {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()
		slog.Info("api listening", "addr", ln.Addr().String())

		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.console != nil {
		msgs, cancel := a.log.Subscribe(64)
		g.Go(func() error {
			defer cancel()
			a.console.run(gctx, msgs)
			return nil
		})
	}

	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}

	if a.cfg.Session.Autostart {
		g.Go(func() error {
			if err := a.ctrl.Start(gctx, a.ctrl.Settings()); err != nil && gctx.Err() == nil {
				slog.Error("autostart failed", "err", err)
			}
			return nil
		})
	}

	close(a.ready)
	err := g.Wait()
	slog.Info("shutting down")
	return err
}

// OnConfigChange applies a hot-reloaded config. Settings changes go through
// [session.Controller.ApplySettings] and log level changes update the level
// var. Anything else is logged as requiring a restart.
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, section := range d.RestartRequired {
		slog.Warn("config change requires a restart to take effect", "section", section)
	}
	if !d.SettingsChanged {
		return
	}

	a.mu.Lock()
	ctx := a.runCtx
	a.mu.Unlock()
	go func() {
		if err := a.ctrl.ApplySettings(ctx, d.NewSettings); err != nil && ctx.Err() == nil {
			slog.Error("apply reloaded settings", "err", err)
		}
	}()
}

func (a *App) checkBreaker(context.Context) error {
	if a.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("connect circuit breaker is open after %d failures", a.breaker.Failures())
	}
	return nil
}

func (a *App) checkSession(context.Context) error {
	if a.ctrl.Status() != session.StatusError {
		return nil
	}
	if err := a.ctrl.Err(); err != nil {
		return err
	}
	return errors.New("session in error state")
}
