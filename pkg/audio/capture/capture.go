// Package capture owns the microphone for a live session: it opens the input
// stream at the service's fixed capture rate, encodes every frame to PCM and
// forwards it to the session's outbound sender.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/hyperlive/pkg/audio"
)

// ErrNotIdle is returned by [Pipeline.Start] when the pipeline was already
// started or stopped. A pipeline runs at most once.
var ErrNotIdle = errors.New("capture: pipeline not idle")

// ErrStoppedDuringStart is returned by [Pipeline.Start] when [Pipeline.Stop]
// was called while microphone access was still being requested.
var ErrStoppedDuringStart = errors.New("capture: stopped while requesting microphone")

// State is the lifecycle state of a [Pipeline].
type State int32

const (
	// StateIdle is the state of a freshly created pipeline.
	StateIdle State = iota

	// StateRequestingPermission means the microphone is being opened.
	StateRequestingPermission

	// StateStreaming means frames are being encoded and forwarded.
	StateStreaming

	// StateStopped is terminal.
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingPermission:
		return "requesting-permission"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sender receives every encoded frame. It is called sequentially from the
// pipeline's forwarding goroutine.
type Sender func(payload []byte) error

// Stats counts frames over the pipeline's lifetime.
type Stats struct {
	Captured   uint64 `json:"captured"`
	Sent       uint64 `json:"sent"`
	SendFailed uint64 `json:"send_failed"`
}

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithFrameSize sets the number of frames per captured chunk. Values <= 0
// are ignored and [audio.DefaultFrameSize] is used.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithOnSent registers fn to be called after every successful send, e.g. to
// count outbound chunks.
func WithOnSent(fn func(bytes int)) Option {
	return func(p *Pipeline) {
		p.onSent = fn
	}
}

// Pipeline is a one-shot microphone capture:
//
//	idle -> requesting-permission -> streaming -> stopped
//
// All exported methods are safe for concurrent use.
type Pipeline struct {
	platform  audio.Platform
	send      Sender
	frameSize int
	onSent    func(int)

	mu     sync.Mutex
	state  State
	stream audio.InputStream
	quit   chan struct{}
	done   chan struct{}

	captured   atomic.Uint64
	sent       atomic.Uint64
	sendFailed atomic.Uint64
}

// New creates an idle pipeline that will capture from platform and hand
// encoded frames to send.
func New(platform audio.Platform, send Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		platform:  platform,
		send:      send,
		frameSize: audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start requests the microphone and begins streaming. A refused microphone
// yields an error wrapping [audio.ErrPermissionDenied] and leaves the
// pipeline stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIdle, state)
	}
	p.state = StateRequestingPermission
	p.mu.Unlock()

	stream, err := p.platform.OpenInput(ctx, audio.CaptureFormat, p.frameSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateStopped
		return fmt.Errorf("capture: open microphone: %w", err)
	}
	if p.state == StateStopped {
		if cerr := stream.Close(); cerr != nil {
			slog.Warn("capture: close input after aborted start", "err", cerr)
		}
		return ErrStoppedDuringStart
	}

	p.state = StateStreaming
	p.stream = stream
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.forward(stream.Frames(), p.quit, p.done)

	slog.Debug("capture: streaming", "format", audio.CaptureFormat.String(), "frameSize", p.frameSize)
	return nil
}

// Stop disconnects the frame consumer and closes the input stream. Calling
// Stop on an idle or stopped pipeline is a no-op. Close errors are logged
// and swallowed.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	prev := p.state
	p.state = StateStopped
	stream, quit := p.stream, p.quit
	p.stream = nil
	p.mu.Unlock()

	if prev != StateStreaming {
		return
	}
	close(quit)
	if err := stream.Close(); err != nil {
		slog.Warn("capture: close input stream", "err", err)
	}
}

// Done returns a channel closed when the forwarding goroutine has exited, or
// nil if the pipeline never streamed.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured:   p.captured.Load(),
		Sent:       p.sent.Load(),
		SendFailed: p.sendFailed.Load(),
	}
}

func (p *Pipeline) forward(frames <-chan []float32, quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			// Stop may race with a buffered frame.
			select {
			case <-quit:
				return
			default:
			}
			p.captured.Add(1)
			payload := audio.EncodeFrame(frame)
			if err := p.send(payload); err != nil {
				p.sendFailed.Add(1)
				slog.Debug("capture: send frame failed", "err", err)
				continue
			}
			p.sent.Add(1)
			if p.onSent != nil {
				p.onSent(len(payload))
			}
		}
	}
}
