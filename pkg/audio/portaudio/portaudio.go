// Package portaudio implements [audio.Platform] on the local sound card
// through PortAudio (github.com/gordonklaus/portaudio).
//
// The microphone is read in blocking mode on a dedicated goroutine. The
// speaker runs in callback mode: every hardware period the callback mixes
// all voices due in that period, and the number of frames rendered so far is
// the output clock. Ended callbacks are never invoked on the audio thread;
// a notifier goroutine delivers them.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/hyperlive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform    = (*Platform)(nil)
	_ audio.InputStream = (*inputStream)(nil)
	_ audio.OutputClock = (*outputClock)(nil)
	_ audio.Voice       = (*voice)(nil)
)

// Platform opens the default input and output devices.
type Platform struct {
	// OutputSampleRate forces the output clock rate. When zero the default
	// output device's native rate is used, and decoded speech is resampled
	// to it.
	OutputSampleRate int

	// OutputFramesPerBuffer sets the output callback period. Zero lets
	// PortAudio choose.
	OutputFramesPerBuffer int
}

// New returns a Platform with the given fixed output rate (0 for native).
func New(outputSampleRate int) *Platform {
	return &Platform{OutputSampleRate: outputSampleRate}
}

// OpenInput opens the default microphone. Any failure to open or start the
// device is reported as [audio.ErrPermissionDenied]: PortAudio does not
// distinguish a refused permission from an unavailable device.
func (p *Platform) OpenInput(_ context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	if !format.Valid() || frameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid input format %s / %d frames", format, frameSize)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	buf := make([]float32, frameSize*format.Channels)
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open input: %w: %w", audio.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start input: %w: %w", audio.ErrPermissionDenied, err)
	}

	in := &inputStream{
		stream: stream,
		buf:    buf,
		frames: make(chan []float32, 8),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go in.readLoop()
	return in, nil
}

// OpenOutput opens the default speaker.
func (p *Platform) OpenOutput(_ context.Context, format audio.Format) (audio.OutputClock, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}

	rate := p.OutputSampleRate
	if rate <= 0 {
		dev, err := portaudio.DefaultOutputDevice()
		if err != nil {
			_ = portaudio.Terminate()
			return nil, fmt.Errorf("portaudio: default output device: %w", err)
		}
		rate = int(dev.DefaultSampleRate)
	}
	channels := max(format.Channels, 1)

	c := &outputClock{
		format: audio.Format{SampleRate: rate, Channels: channels},
		notify: make(chan func(), 256),
		done:   make(chan struct{}),
	}
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(rate), p.OutputFramesPerBuffer, c.render)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	c.stream = stream
	go c.deliver()

	slog.Debug("portaudio: output opened", "format", c.format.String())
	return c, nil
}

// ── input ─────────────────────────────────────────────────────────────────────

type inputStream struct {
	stream *portaudio.Stream
	buf    []float32
	frames chan []float32
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (in *inputStream) Frames() <-chan []float32 { return in.frames }

func (in *inputStream) readLoop() {
	defer close(in.done)
	defer close(in.frames)
	for {
		if err := in.stream.Read(); err != nil {
			select {
			case <-in.quit:
				return
			default:
			}
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio: input overflowed")
				continue
			}
			slog.Warn("portaudio: input read failed", "err", err)
			return
		}
		frame := make([]float32, len(in.buf))
		copy(frame, in.buf)
		select {
		case in.frames <- frame:
		case <-in.quit:
			return
		}
	}
}

// Close waits for the reader to finish its current period, then stops the
// device and releases PortAudio.
func (in *inputStream) Close() error {
	var err error
	in.once.Do(func() {
		close(in.quit)
		<-in.done
		if serr := in.stream.Stop(); serr != nil {
			slog.Debug("portaudio: stop input", "err", serr)
		}
		err = in.stream.Close()
		if terr := portaudio.Terminate(); err == nil {
			err = terr
		}
	})
	if err != nil {
		return fmt.Errorf("portaudio: close input: %w", err)
	}
	return nil
}

// ── output ────────────────────────────────────────────────────────────────────

type voice struct {
	clock      *outputClock
	buf        *audio.Buffer
	startFrame int64
	pos        int // frames already rendered
	ended      func()
	finished   bool
}

// Stop removes the voice from the mix and schedules its ended callback.
func (v *voice) Stop() error {
	c := v.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.finished || c.closed {
		return nil
	}
	c.finishLocked(v)
	c.removeLocked(v)
	return nil
}

type outputClock struct {
	stream *portaudio.Stream
	format audio.Format
	notify chan func()
	done   chan struct{}

	mu     sync.Mutex
	frame  int64
	voices []*voice
	closed bool
}

func (c *outputClock) Format() audio.Format { return c.format }

func (c *outputClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesToDuration(c.frame)
}

func (c *outputClock) Play(buf *audio.Buffer, at time.Duration, ended func()) (audio.Voice, error) {
	if buf.Format != c.format {
		return nil, fmt.Errorf("portaudio: buffer format %s does not match clock %s", buf.Format, c.format)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, audio.ErrClosed
	}
	v := &voice{
		clock:      c,
		buf:        buf,
		startFrame: audio.DurationFrames(at, c.format.SampleRate),
		ended:      ended,
	}
	c.voices = append(c.voices, v)
	return v, nil
}

// render is the PortAudio callback. It runs on the audio thread and must not
// block beyond the mutex.
func (c *outputClock) render(out []float32) {
	clear(out)
	ch := c.format.Channels
	n := len(out) / ch

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.voices[:0]
	for _, v := range c.voices {
		offset := max(v.startFrame-c.frame, 0)
		total := v.buf.Frames()
		for f := int(offset); f < n && v.pos < total; f++ {
			base := v.pos * ch
			for k := range ch {
				out[f*ch+k] += v.buf.Samples[base+k]
			}
			v.pos++
		}
		if v.pos >= total {
			c.finishLocked(v)
			continue
		}
		kept = append(kept, v)
	}
	clear(c.voices[len(kept):])
	c.voices = kept
	c.frame += int64(n)

	for i, s := range out {
		out[i] = min(max(s, -1), 1)
	}
}

func (c *outputClock) finishLocked(v *voice) {
	v.finished = true
	if v.ended == nil || c.closed {
		return
	}
	select {
	case c.notify <- v.ended:
	default:
		go v.ended()
	}
}

func (c *outputClock) removeLocked(target *voice) {
	for i, v := range c.voices {
		if v == target {
			c.voices = append(c.voices[:i], c.voices[i+1:]...)
			return
		}
	}
}

func (c *outputClock) deliver() {
	defer close(c.done)
	for fn := range c.notify {
		fn()
	}
}

func (c *outputClock) framesToDuration(frames int64) time.Duration {
	return audio.FramesDuration(frames, c.format.SampleRate)
}

// Close stops the device. Pending voices are dropped without callbacks.
func (c *outputClock) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.voices = nil
	c.mu.Unlock()

	if err := c.stream.Stop(); err != nil {
		slog.Debug("portaudio: stop output", "err", err)
	}
	err := c.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	close(c.notify)
	<-c.done
	if err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
