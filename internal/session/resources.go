package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/hyperlive/internal/observe"
	"github.com/MrWong99/hyperlive/internal/settings"
	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/audio/capture"
	"github.com/MrWong99/hyperlive/pkg/audio/playback"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
)

var errNotConnected = errors.New("session: remote not connected yet")

// resources is everything one session holds. Fields are set in acquisition
// order; release tolerates partially filled values.
type resources struct {
	sched   *playback.Scheduler
	capture *capture.Pipeline
	remote  s2s.SessionHandle
	sink    sink
}

// sink forwards captured frames to the remote session once it is installed.
// Frames captured before that are dropped.
type sink struct {
	remote atomic.Pointer[remoteRef]
}

type remoteRef struct{ s2s.SessionHandle }

func (s *sink) set(h s2s.SessionHandle) {
	if h == nil {
		s.remote.Store(nil)
		return
	}
	s.remote.Store(&remoteRef{h})
}

func (s *sink) send(pcm []byte) error {
	ref := s.remote.Load()
	if ref == nil {
		return errNotConnected
	}
	return ref.SendAudio(pcm)
}

// release closes the remote session, stops playback and capture, and closes
// the output clock. Errors are logged and swallowed.
func (r *resources) release() {
	r.sink.set(nil)
	if r.remote != nil {
		if err := r.remote.Close(); err != nil {
			slog.Warn("session: close remote session", "err", err)
		}
	}
	if r.sched != nil {
		r.sched.Interrupt()
		if err := r.sched.Shutdown(); err != nil {
			slog.Warn("session: shut down playback", "err", err)
		}
	}
	if r.capture != nil {
		r.capture.Stop()
	}
}

// acquire opens, in order, the output clock, the microphone and the remote
// session. On failure everything acquired so far is released and a
// *StartupError is returned.
func (c *Controller) acquire(ctx context.Context, gen uint64, sessionID string, s settings.Settings) (_ *resources, err error) {
	ctx, span := observe.StartSpan(ctx, "session.start")
	span.SetAttributes(observe.SessionAttr(sessionID), observe.Attr("provider", c.providerName))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := observe.SessionLogger(ctx, sessionID)

	res := &resources{}
	fail := func(stage Stage, err error) (*resources, error) {
		res.release()
		log.Warn("session: startup failed", "stage", stage, "err", err)
		return nil, &StartupError{Stage: stage, Err: err}
	}

	clock, err := c.platform.OpenOutput(ctx, audio.ServiceOutputFormat)
	if err != nil {
		return fail(StageOutput, err)
	}
	res.sched = playback.New(clock,
		playback.WithDispatcher(c.dispatcher(gen)),
		playback.WithOnDrained(c.onDrained),
	)
	if f := clock.Format(); f != audio.ServiceOutputFormat {
		log.Info("session: output clock runs at native format, speech will be resampled", "format", f.String())
	}

	res.capture = capture.New(c.platform, res.sink.send,
		capture.WithFrameSize(c.frameSize),
		capture.WithOnSent(func(n int) { c.metrics.RecordFrameSent(context.Background(), n) }),
	)
	if err := res.capture.Start(ctx); err != nil {
		return fail(StageMicrophone, err)
	}

	remote, err := c.connect(ctx, s)
	if err != nil {
		return fail(StageConnect, fmt.Errorf("%w: %w", ErrConnectFailure, err))
	}
	res.remote = remote

	log.Info("session: connected")
	return res, nil
}

// connect opens the remote session through the breaker. A timed out attempt
// counts as a failure; one cancelled by Stop does not.
func (c *Controller) connect(ctx context.Context, s settings.Settings) (s2s.SessionHandle, error) {
	cfg := c.sessionConfig(s)
	start := time.Now()
	var remote s2s.SessionHandle
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
		var err error
		remote, err = c.provider.Connect(ctx, cfg)
		return err
	})
	c.metrics.RecordConnect(ctx, c.providerName, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// sessionConfig maps settings onto the provider. A voice the provider does
// not offer is left empty so the provider picks its default.
func (c *Controller) sessionConfig(s settings.Settings) s2s.SessionConfig {
	voice := string(s.Voice)
	if voices := c.provider.Capabilities().Voices; len(voices) > 0 && !slices.Contains(voices, voice) {
		slog.Warn("session: provider does not offer voice, using its default", "voice", voice, "provider", c.providerName)
		voice = ""
	}
	return s2s.SessionConfig{
		Voice:               voice,
		Instructions:        s.Instructions(),
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

func stageOf(err error) Stage {
	var se *StartupError
	if errors.As(err, &se) {
		return se.Stage
	}
	return "unknown"
}

func wrapRemote(err error) error {
	if err == nil {
		return ErrRemote
	}
	return fmt.Errorf("%w: %w", ErrRemote, err)
}
