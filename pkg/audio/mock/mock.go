// Package mock provides in-memory implementations of [audio.Platform],
// [audio.InputStream] and [audio.OutputClock] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that control return values.
//
// The [Clock] never advances on its own. Tests move it with [Clock.Advance]
// or [Clock.Set], which fires the ended callbacks of every voice whose end
// time was reached, synchronously and in start order.
//
// Typical usage:
//
//	clock := mock.NewClock(audio.ServiceOutputFormat)
//	v, _ := clock.Play(buf, 0, func() { ended++ })
//	clock.Advance(buf.Duration()) // ended == 1
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MrWong99/hyperlive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Platform    = (*Platform)(nil)
	_ audio.InputStream = (*InputStream)(nil)
	_ audio.OutputClock = (*Clock)(nil)
	_ audio.Voice       = (*Voice)(nil)
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock microphone. Tests feed frames with [InputStream.Push].
type InputStream struct {
	mu     sync.Mutex
	frames chan []float32
	closed bool

	// CloseError is returned by every Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open stream whose frame channel holds up to
// buffer frames.
func NewInputStream(buffer int) *InputStream {
	return &InputStream{frames: make(chan []float32, buffer)}
}

// Frames implements [audio.InputStream].
func (s *InputStream) Frames() <-chan []float32 {
	return s.frames
}

// Push delivers one frame. It reports false when the stream is closed or its
// buffer is full.
func (s *InputStream) Push(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

// Close implements [audio.InputStream]. The frame channel is closed on the
// first call only.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns CallCountClose under the lock.
func (s *InputStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Clock ────────────────────────────────────────────────────────────────────

// Voice is a buffer scheduled on a [Clock].
type Voice struct {
	clock *Clock
	ended func()

	// Buffer is the scheduled buffer.
	Buffer *audio.Buffer

	// At is the start time requested by the caller.
	At time.Duration

	// ScheduledAt is the clock position at the moment Play was called.
	ScheduledAt time.Duration

	stopCalls int
	stopped   bool
	fired     bool
}

// Start returns the effective start time: At, or the clock position at
// scheduling time if At already lay in the past.
func (v *Voice) Start() time.Duration {
	return max(v.At, v.ScheduledAt)
}

// End returns the time the voice finishes playing if left alone.
func (v *Voice) End() time.Duration {
	return v.Start() + v.Buffer.Duration()
}

// Stop implements [audio.Voice]. It records the call and silences the voice.
// When the owning clock has EndOnStop set, the ended callback fires
// synchronously, otherwise it never fires for a stopped voice.
func (v *Voice) Stop() error {
	c := v.clock
	c.mu.Lock()
	v.stopCalls++
	v.stopped = true
	var cb func()
	if c.EndOnStop && !v.fired {
		v.fired = true
		cb = v.ended
	}
	err := c.StopError
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return err
}

// StopCount returns how many times Stop was called.
func (v *Voice) StopCount() int {
	v.clock.mu.Lock()
	defer v.clock.mu.Unlock()
	return v.stopCalls
}

// Stopped reports whether Stop was called at least once.
func (v *Voice) Stopped() bool {
	v.clock.mu.Lock()
	defer v.clock.mu.Unlock()
	return v.stopped
}

// FireEnded invokes the ended callback if it has not fired yet, regardless of
// the clock position. Use it to simulate late or out-of-order completions.
func (v *Voice) FireEnded() {
	v.clock.mu.Lock()
	if v.fired {
		v.clock.mu.Unlock()
		return
	}
	v.fired = true
	cb := v.ended
	v.clock.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Clock is a manually driven [audio.OutputClock].
type Clock struct {
	mu     sync.Mutex
	format audio.Format
	now    time.Duration
	voices []*Voice
	closed bool

	// PlayError, when set, is returned by Play and nothing is scheduled.
	PlayError error

	// StopError is returned by every Voice.Stop call.
	StopError error

	// CloseError is returned by every Close call.
	CloseError error

	// EndOnStop makes Voice.Stop fire the ended callback, as real devices do.
	EndOnStop bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewClock returns an open clock at position zero with the given native
// format.
func NewClock(format audio.Format) *Clock {
	return &Clock{format: format}
}

// Format implements [audio.OutputClock].
func (c *Clock) Format() audio.Format {
	return c.format
}

// Now implements [audio.OutputClock].
func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Play implements [audio.OutputClock].
func (c *Clock) Play(buf *audio.Buffer, at time.Duration, ended func()) (audio.Voice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PlayError != nil {
		return nil, c.PlayError
	}
	if c.closed {
		return nil, audio.ErrClosed
	}
	v := &Voice{clock: c, ended: ended, Buffer: buf, At: at, ScheduledAt: c.now}
	c.voices = append(c.voices, v)
	return v, nil
}

// Close implements [audio.OutputClock].
func (c *Clock) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	return c.CloseError
}

// Closed reports whether Close has been called.
func (c *Clock) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Voices returns every voice scheduled so far, in scheduling order.
func (c *Clock) Voices() []*Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// Advance moves the clock forward by d. See [Clock.Set].
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	now := c.now + d
	c.mu.Unlock()
	c.Set(now)
}

// Set moves the clock to now and fires the ended callback of every voice
// that is neither stopped nor already ended and whose end time is at or
// before now. Callbacks run synchronously, outside the lock, ordered by end
// time.
func (c *Clock) Set(now time.Duration) {
	c.mu.Lock()
	c.now = now
	var due []*Voice
	for _, v := range c.voices {
		if !v.fired && !v.stopped && v.End() <= now {
			v.fired = true
			due = append(due, v)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].End() < due[j].End() })
	for _, v := range due {
		if v.ended != nil {
			v.ended()
		}
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// OpenInputCall records the arguments of a single [Platform.OpenInput] call.
type OpenInputCall struct {
	Format    audio.Format
	FrameSize int
}

// Platform is a mock implementation of [audio.Platform]. Each successful
// OpenInput or OpenOutput call creates a fresh stream or clock so that
// restarted sessions never share devices.
type Platform struct {
	mu sync.Mutex

	// InputError is returned by OpenInput when set.
	InputError error

	// OutputError is returned by OpenOutput when set.
	OutputError error

	// OutputFormat overrides the native format of created clocks. When zero
	// the requested format is used.
	OutputFormat audio.Format

	// EndOnStop is copied to every created clock.
	EndOnStop bool

	// OpenInputCalls records all OpenInput invocations.
	OpenInputCalls []OpenInputCall

	// OpenOutputCalls records all OpenOutput invocations.
	OpenOutputCalls []audio.Format

	inputs []*InputStream
	clocks []*Clock
}

// OpenInput implements [audio.Platform].
func (p *Platform) OpenInput(_ context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenInputCalls = append(p.OpenInputCalls, OpenInputCall{Format: format, FrameSize: frameSize})
	if p.InputError != nil {
		return nil, p.InputError
	}
	in := NewInputStream(64)
	p.inputs = append(p.inputs, in)
	return in, nil
}

// OpenOutput implements [audio.Platform].
func (p *Platform) OpenOutput(_ context.Context, format audio.Format) (audio.OutputClock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenOutputCalls = append(p.OpenOutputCalls, format)
	if p.OutputError != nil {
		return nil, p.OutputError
	}
	if p.OutputFormat.Valid() {
		format = p.OutputFormat
	}
	c := NewClock(format)
	c.EndOnStop = p.EndOnStop
	p.clocks = append(p.clocks, c)
	return c, nil
}

// Inputs returns every stream opened so far.
func (p *Platform) Inputs() []*InputStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*InputStream, len(p.inputs))
	copy(out, p.inputs)
	return out
}

// Clocks returns every clock opened so far.
func (p *Platform) Clocks() []*Clock {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Clock, len(p.clocks))
	copy(out, p.clocks)
	return out
}

// LastInput returns the most recently opened stream, or nil.
func (p *Platform) LastInput() *InputStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inputs) == 0 {
		return nil
	}
	return p.inputs[len(p.inputs)-1]
}

// LastClock returns the most recently opened clock, or nil.
func (p *Platform) LastClock() *Clock {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clocks) == 0 {
		return nil
	}
	return p.clocks[len(p.clocks)-1]
}
