// Package session drives one realtime voice conversation.
//
// A [Controller] owns the whole lifecycle: it acquires the speaker, the
// microphone and the remote session, pipes captured frames to the service,
// schedules returned speech for gapless playback, folds transcription
// fragments into chat messages and tears everything down again.
//
// The controller is a state machine
//
//	idle -> connecting -> listening <-> speaking -> idle
//
// with error reachable from every non-idle state and idle reachable from
// every state via [Controller.Stop]. All state lives on a single event-loop
// goroutine: public methods, remote events, playback completions and startup
// results are posted to the loop as events and handled one at a time by the
// handler for the current state.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/hyperlive/internal/observe"
	"github.com/MrWong99/hyperlive/internal/resilience"
	"github.com/MrWong99/hyperlive/internal/settings"
	"github.com/MrWong99/hyperlive/internal/transcript"
	"github.com/MrWong99/hyperlive/pkg/audio/capture"
)

var (
	// ErrConnectFailure classifies startup failures of the remote session.
	ErrConnectFailure = errors.New("session: connect failed")

	// ErrRemote classifies sessions ended by an error from the remote side.
	ErrRemote = errors.New("session: remote error")

	// ErrAlreadyActive is returned by Start while a session is connecting or
	// active.
	ErrAlreadyActive = errors.New("session: already active")

	// ErrAborted is returned by Start when Stop was called before the
	// session finished connecting.
	ErrAborted = errors.New("session: start aborted")

	// ErrClosed is returned after [Controller.Close].
	ErrClosed = errors.New("session: controller closed")
)

// Status is the externally visible session state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
	StatusError      Status = "error"
)

// Active reports whether a session is connecting or running.
func (s Status) Active() bool {
	switch s {
	case StatusConnecting, StatusListening, StatusSpeaking:
		return true
	}
	return false
}

// Stage names the startup step that failed.
type Stage string

const (
	StageOutput     Stage = "output"
	StageMicrophone Stage = "microphone"
	StageConnect    Stage = "connect"
)

// StartupError reports which acquisition step of Start failed. Err wraps
// audio.ErrPermissionDenied for a refused microphone and [ErrConnectFailure]
// for the remote session.
type StartupError struct {
	Stage Stage
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("session: start failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// StatusListener is notified of every status change on the event loop
// goroutine. err is non-nil only for [StatusError]. Listeners must not call
// back into the controller synchronously.
type StatusListener func(status Status, err error)

// Snapshot is a point-in-time view of the controller for presenters.
type Snapshot struct {
	Status    Status            `json:"status"`
	Error     string            `json:"error,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Settings  settings.Settings `json:"settings"`
	Live      int               `json:"live_segments"`
	NextStart time.Duration     `json:"next_start"`
	Capture   capture.Stats     `json:"capture"`
}

// Default tuning values.
const (
	DefaultRestartDelay   = 500 * time.Millisecond
	DefaultConnectTimeout = 15 * time.Second
)

// Option configures a [Controller].
type Option func(*Controller)

// WithStatusListener registers fn for status changes. May be given several
// times.
func WithStatusListener(fn StatusListener) Option {
	return func(c *Controller) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}

// WithMetrics replaces [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithBreaker sets the circuit breaker wrapping every connect attempt.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) {
		c.breaker = cb
	}
}

// WithConnectTimeout bounds a single connect attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithRestartDelay sets the pause between stopping and restarting a session
// in [Controller.ApplySettings].
func WithRestartDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.restartDelay = d
		}
	}
}

// WithFrameSize sets the capture frame size in samples.
func WithFrameSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithTranscriptLog sets the chat log finalized messages are appended to.
func WithTranscriptLog(l *transcript.Log) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithAggregator replaces the transcript aggregator, for example to fix its
// clock in tests.
func WithAggregator(a *transcript.Aggregator) Option {
	return func(c *Controller) {
		if a != nil {
			c.agg = a
		}
	}
}

// WithProviderName sets the provider label used in metrics and logs.
func WithProviderName(name string) Option {
	return func(c *Controller) {
		c.providerName = name
	}
}

// WithSettings sets the initial settings reported before the first Start.
func WithSettings(s settings.Settings) Option {
	return func(c *Controller) {
		c.settings = s.WithDefaults()
	}
}
