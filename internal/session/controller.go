package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hyperlive/internal/observe"
	"github.com/MrWong99/hyperlive/internal/resilience"
	"github.com/MrWong99/hyperlive/internal/settings"
	"github.com/MrWong99/hyperlive/internal/transcript"
	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
)

// ── events ───────────────────────────────────────────────────────────────────

type event any

type startCmd struct {
	ctx      context.Context
	settings settings.Settings
	reply    chan error
}

type stopCmd struct{ reply chan struct{} }

type storeSettingsCmd struct {
	settings settings.Settings
	reply    chan Status
}

type closeCmd struct{}

// startedEvt carries the outcome of an acquisition run for generation gen.
type startedEvt struct {
	gen uint64
	res *resources
	err error
}

type remoteEvt struct {
	gen uint64
	ev  s2s.Event
}

type remoteClosedEvt struct {
	gen uint64
	err error
}

// dispatchEvt runs fn on the loop if the session of gen is still current.
type dispatchEvt struct {
	gen uint64
	fn  func()
}

// ── controller ───────────────────────────────────────────────────────────────

// Controller runs at most one realtime session at a time. All exported
// methods are safe for concurrent use.
type Controller struct {
	platform       audio.Platform
	provider       s2s.Provider
	providerName   string
	metrics        *observe.Metrics
	breaker        *resilience.CircuitBreaker
	connectTimeout time.Duration
	restartDelay   time.Duration
	frameSize      int
	log            *transcript.Log
	agg            *transcript.Aggregator
	listeners      []StatusListener

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// applying serializes ApplySettings calls.
	applying chan struct{}

	// Owned by the loop goroutine.
	gen          uint64
	pendingStart chan error
	cancelStart  context.CancelFunc

	// Written only by the loop, under mu.
	mu        sync.Mutex
	status    Status
	lastErr   error
	sessionID string
	settings  settings.Settings
	res       *resources
}

// New returns an idle controller and starts its event loop. Call
// [Controller.Close] to release it.
func New(platform audio.Platform, provider s2s.Provider, opts ...Option) *Controller {
	c := &Controller{
		platform:       platform,
		provider:       provider,
		providerName:   "s2s",
		connectTimeout: DefaultConnectTimeout,
		restartDelay:   DefaultRestartDelay,
		frameSize:      audio.DefaultFrameSize,
		log:            transcript.NewLog(),
		agg:            transcript.NewAggregator(),
		events:         make(chan event, 256),
		done:           make(chan struct{}),
		applying:       make(chan struct{}, 1),
		status:         StatusIdle,
		settings:       settings.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: c.providerName + "-connect"})
	}
	go c.run()
	return c
}

// Start opens a new session with s and blocks until it is listening or the
// startup failed. Startup failures are returned as *[StartupError] and leave
// the controller in [StatusError].
func (c *Controller) Start(ctx context.Context, s settings.Settings) error {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !c.post(startCmd{ctx: ctx, settings: s, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Stop tears down the current session, or aborts one that is connecting,
// and returns to [StatusIdle]. It is a no-op when idle.
func (c *Controller) Stop() {
	reply := make(chan struct{})
	if !c.post(stopCmd{reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-c.done:
	}
}

// ApplySettings stores s for the next session. When a session is connecting
// or active it is stopped and, after the restart delay, started again with s.
// Concurrent calls run one after another; the last one wins.
func (c *Controller) ApplySettings(ctx context.Context, s settings.Settings) error {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return err
	}
	select {
	case c.applying <- struct{}{}:
		defer func() { <-c.applying }()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	reply := make(chan Status, 1)
	if !c.post(storeSettingsCmd{settings: s, reply: reply}) {
		return ErrClosed
	}
	var prev Status
	select {
	case prev = <-reply:
	case <-c.done:
		return ErrClosed
	}
	if !prev.Active() {
		return nil
	}

	slog.Info("session: restarting with new settings", "voice", s.Voice, "tone", s.Tone, "delay", c.restartDelay)
	c.Stop()
	t := time.NewTimer(c.restartDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Start(ctx, s)
}

// Close stops any session and ends the event loop. It is idempotent.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.events <- closeCmd{}
		<-c.done
	})
	return nil
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the error that moved the controller to [StatusError], or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Settings returns the settings of the current or next session.
func (c *Controller) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SessionID returns the ID of the current or most recent session, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Transcript returns the chat log finalized messages are appended to.
func (c *Controller) Transcript() *transcript.Log {
	return c.log
}

// Voices returns the provider's voice catalogue.
func (c *Controller) Voices() []string {
	return c.provider.Capabilities().Voices
}

// Snapshot returns a point-in-time view of the controller.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Status:    c.status,
		SessionID: c.sessionID,
		Settings:  c.settings,
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	res := c.res
	c.mu.Unlock()

	if res != nil {
		snap.Live = res.sched.Live()
		snap.NextStart = res.sched.NextStart()
		snap.Capture = res.capture.Stats()
	}
	return snap
}

// ── loop ─────────────────────────────────────────────────────────────────────

func (c *Controller) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// dispatcher returns the playback dispatcher for session gen. It never blocks
// the caller, which may be the loop itself stopping voices.
func (c *Controller) dispatcher(gen uint64) func(func()) {
	return func(fn func()) {
		ev := dispatchEvt{gen: gen, fn: fn}
		select {
		case c.events <- ev:
		default:
			go c.post(ev)
		}
	}
}

func (c *Controller) run() {
	defer func() {
		close(c.done)
		c.drainAfterClose()
	}()
	for ev := range c.events {
		if _, ok := ev.(closeCmd); ok {
			c.stop()
			return
		}
		c.handle(ev)
	}
}

// drainAfterClose releases resources of acquisitions that finished while the
// loop was shutting down.
func (c *Controller) drainAfterClose() {
	for {
		select {
		case ev := <-c.events:
			switch ev := ev.(type) {
			case startedEvt:
				if ev.res != nil {
					ev.res.release()
				}
			case startCmd:
				ev.reply <- ErrClosed
			case stopCmd:
				close(ev.reply)
			}
		default:
			return
		}
	}
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case stopCmd:
		c.stop()
		close(ev.reply)
		return
	case storeSettingsCmd:
		prev := c.status
		c.mu.Lock()
		c.settings = ev.settings
		c.mu.Unlock()
		ev.reply <- prev
		return
	case dispatchEvt:
		if ev.gen == c.gen && c.res != nil {
			ev.fn()
		}
		return
	}

	switch c.status {
	case StatusIdle, StatusError:
		c.handleIdle(ev)
	case StatusConnecting:
		c.handleConnecting(ev)
	case StatusListening, StatusSpeaking:
		c.handleActive(ev)
	}
}

// handleIdle serves both idle and error: a new session may start from either.
func (c *Controller) handleIdle(ev event) {
	switch ev := ev.(type) {
	case startCmd:
		c.begin(ev)
	case startedEvt:
		c.discard(ev)
	}
}

func (c *Controller) handleConnecting(ev event) {
	switch ev := ev.(type) {
	case startCmd:
		ev.reply <- ErrAlreadyActive
	case startedEvt:
		if ev.gen != c.gen {
			c.discard(ev)
			return
		}
		c.install(ev)
	}
}

func (c *Controller) handleActive(ev event) {
	switch ev := ev.(type) {
	case startCmd:
		ev.reply <- ErrAlreadyActive
	case startedEvt:
		c.discard(ev)
	case remoteEvt:
		if ev.gen == c.gen {
			c.onRemote(ev.ev)
		}
	case remoteClosedEvt:
		if ev.gen == c.gen {
			c.onRemoteClosed(ev.err)
		}
	}
}

// ── transitions ──────────────────────────────────────────────────────────────

func (c *Controller) begin(cmd startCmd) {
	c.gen++
	gen := c.gen
	id := uuid.NewString()

	c.mu.Lock()
	c.sessionID = id
	c.settings = cmd.settings
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(cmd.ctx)
	c.cancelStart = cancel
	c.pendingStart = cmd.reply
	c.setStatus(StatusConnecting, nil)

	observe.SessionLogger(ctx, id).Info("session: starting",
		"provider", c.providerName, "voice", cmd.settings.Voice)
	go func() {
		defer cancel()
		res, err := c.acquire(ctx, gen, id, cmd.settings)
		if !c.post(startedEvt{gen: gen, res: res, err: err}) && res != nil {
			res.release()
		}
	}()
}

func (c *Controller) install(ev startedEvt) {
	c.cancelStart = nil
	if ev.err != nil {
		c.metrics.RecordSessionStart(context.Background(), c.providerName, string(stageOf(ev.err)))
		c.replyStart(ev.err)
		c.setStatus(StatusError, ev.err)
		return
	}

	res := ev.res
	c.mu.Lock()
	c.res = res
	c.mu.Unlock()
	res.sink.set(res.remote)

	c.metrics.RecordSessionStart(context.Background(), c.providerName, "ok")
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	c.setStatus(StatusListening, nil)
	c.replyStart(nil)

	go c.pump(ev.gen, res.remote)
}

// pump forwards remote events to the loop until the session ends.
func (c *Controller) pump(gen uint64, remote s2s.SessionHandle) {
	for ev := range remote.Events() {
		if !c.post(remoteEvt{gen: gen, ev: ev}) {
			return
		}
	}
	c.post(remoteClosedEvt{gen: gen, err: remote.Err()})
}

func (c *Controller) onRemote(ev s2s.Event) {
	ctx := context.Background()
	res := c.res
	switch ev.Kind {
	case s2s.EventAudio:
		buf, err := audio.DecodeFrame(ev.Audio.Data, ev.Audio.Format(), res.sched.Format())
		if err != nil {
			c.metrics.DecodeFaults.Add(ctx, 1)
			slog.Warn("session: dropping undecodable audio chunk", "session_id", c.sessionID, "bytes", len(ev.Audio.Data), "err", err)
			return
		}
		if _, err := res.sched.Enqueue(buf); err != nil {
			slog.Warn("session: schedule audio", "session_id", c.sessionID, "err", err)
			return
		}
		c.metrics.SegmentsScheduled.Add(ctx, 1)
		c.setStatus(StatusSpeaking, nil)

	case s2s.EventInputTranscript:
		c.agg.Append(transcript.RoleUser, ev.Text)

	case s2s.EventOutputTranscript:
		c.agg.Append(transcript.RoleModel, ev.Text)

	case s2s.EventTurnComplete:
		c.metrics.TurnsCompleted.Add(ctx, 1)
		msgs := c.agg.Flush()
		for _, m := range msgs {
			c.metrics.RecordChatMessage(ctx, string(m.Role))
		}
		c.log.Append(msgs...)

	case s2s.EventInterrupted:
		n := res.sched.Interrupt()
		c.metrics.Interruptions.Add(ctx, 1)
		slog.Debug("session: interrupted", "session_id", c.sessionID, "stopped", n)
		c.setStatus(StatusListening, nil)

	case s2s.EventError:
		c.metrics.RecordRemoteError(ctx, c.providerName)
		c.fail(wrapRemote(ev.Err))
	}
}

func (c *Controller) onDrained() {
	if c.status == StatusSpeaking {
		c.setStatus(StatusListening, nil)
	}
}

func (c *Controller) onRemoteClosed(err error) {
	if err == nil {
		slog.Info("session: remote closed the session", "session_id", c.sessionID)
		c.teardown()
		c.setStatus(StatusIdle, nil)
		return
	}
	c.metrics.RecordRemoteError(context.Background(), c.providerName)
	c.fail(wrapRemote(err))
}

// fail tears the session down and parks the controller in error. There is no
// automatic retry.
func (c *Controller) fail(err error) {
	slog.Error("session: failed", "session_id", c.sessionID, "err", err)
	c.teardown()
	c.setStatus(StatusError, err)
}

// stop implements Stop for every state.
func (c *Controller) stop() {
	switch c.status {
	case StatusConnecting:
		c.gen++
		if c.cancelStart != nil {
			c.cancelStart()
			c.cancelStart = nil
		}
		c.replyStart(ErrAborted)
		c.setStatus(StatusIdle, nil)
	case StatusListening, StatusSpeaking:
		c.teardown()
		c.setStatus(StatusIdle, nil)
	case StatusError:
		c.setStatus(StatusIdle, nil)
	}
}

// teardown releases the active session's resources. Stale events of the old
// generation are ignored from here on.
func (c *Controller) teardown() {
	c.gen++
	res := c.res
	c.mu.Lock()
	c.res = nil
	c.mu.Unlock()
	if res == nil {
		return
	}
	res.release()
	c.agg.Reset()
	c.metrics.ActiveSessions.Add(context.Background(), -1)
}

func (c *Controller) discard(ev startedEvt) {
	if ev.res != nil {
		slog.Debug("session: releasing stale startup resources", "gen", ev.gen)
		ev.res.release()
	}
}

func (c *Controller) replyStart(err error) {
	if c.pendingStart != nil {
		c.pendingStart <- err
		c.pendingStart = nil
	}
}

func (c *Controller) setStatus(s Status, err error) {
	c.mu.Lock()
	changed := c.status != s || c.lastErr != err
	c.status = s
	c.lastErr = err
	id := c.sessionID
	c.mu.Unlock()
	if !changed {
		return
	}
	slog.Debug("session: status", "session_id", id, "status", s)
	for _, fn := range c.listeners {
		fn(s, err)
	}
}
