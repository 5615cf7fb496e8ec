package playback_test

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/audio/mock"
	"github.com/MrWong99/hyperlive/pkg/audio/playback"
)

// bufferOf returns a silent 24 kHz mono buffer of exactly d.
func bufferOf(d time.Duration) *audio.Buffer {
	frames := int(d * audio.ServiceOutputRate / time.Second)
	return &audio.Buffer{Samples: make([]float32, frames), Format: audio.ServiceOutputFormat}
}

func newScheduler(t *testing.T, opts ...playback.Option) (*playback.Scheduler, *mock.Clock) {
	t.Helper()
	clock := mock.NewClock(audio.ServiceOutputFormat)
	return playback.New(clock, opts...), clock
}

func TestEnqueue_BackToBack(t *testing.T) {
	t.Parallel()

	s, clock := newScheduler(t)
	for range 3 {
		if _, err := s.Enqueue(bufferOf(time.Second)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	voices := clock.Voices()
	if len(voices) != 3 {
		t.Fatalf("scheduled %d voices, want 3", len(voices))
	}
	for i, v := range voices {
		if want := time.Duration(i) * time.Second; v.At != want {
			t.Errorf("voice %d starts at %v, want %v", i, v.At, want)
		}
	}
	if got := s.NextStart(); got != 3*time.Second {
		t.Errorf("NextStart = %v, want 3s", got)
	}
	if got := s.Live(); got != 3 {
		t.Errorf("Live = %d, want 3", got)
	}
}

func TestEnqueue_StartsAtClockWhenBehind(t *testing.T) {
	t.Parallel()

	s, clock := newScheduler(t)
	clock.Set(5 * time.Second)

	at, err := s.Enqueue(bufferOf(250 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if at != 5*time.Second {
		t.Errorf("start = %v, want 5s", at)
	}
	if got := s.NextStart(); got != 5250*time.Millisecond {
		t.Errorf("NextStart = %v, want 5.25s", got)
	}
}

func TestEnqueue_NoGapNoOverlap(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	s, clock := newScheduler(t)

	var prevEnd time.Duration
	for i := range 200 {
		// Occasionally let the clock run past the queue.
		if rng.IntN(4) == 0 {
			clock.Advance(time.Duration(rng.IntN(400)) * time.Millisecond)
		}
		now := clock.Now()
		d := time.Duration(1+rng.IntN(480)) * time.Millisecond
		at, err := s.Enqueue(bufferOf(d))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if at < prevEnd {
			t.Fatalf("segment %d starts at %v before previous end %v", i, at, prevEnd)
		}
		if prevEnd > now && at != prevEnd {
			t.Fatalf("segment %d starts at %v, gap after previous end %v", i, at, prevEnd)
		}
		if prevEnd <= now && at != now {
			t.Fatalf("segment %d starts at %v, want clock position %v", i, at, now)
		}
		prevEnd = at + d
		if s.NextStart() != prevEnd {
			t.Fatalf("NextStart = %v, want %v", s.NextStart(), prevEnd)
		}
	}
}

func TestDrained_FiresOnceWhenLastSegmentEnds(t *testing.T) {
	t.Parallel()

	var drained int
	s, clock := newScheduler(t, playback.WithOnDrained(func() { drained++ }))
	s.Enqueue(bufferOf(time.Second))
	s.Enqueue(bufferOf(time.Second))

	clock.Advance(time.Second)
	if drained != 0 {
		t.Fatalf("drained fired with a segment still live")
	}
	if s.Live() != 1 {
		t.Fatalf("Live = %d, want 1", s.Live())
	}

	clock.Advance(time.Second)
	if drained != 1 {
		t.Fatalf("drained = %d, want 1", drained)
	}
	if s.Live() != 0 {
		t.Fatalf("Live = %d, want 0", s.Live())
	}
	// A natural drain does not reset nextStart.
	if got := s.NextStart(); got != 2*time.Second {
		t.Errorf("NextStart after drain = %v, want 2s", got)
	}
}

func TestInterrupt_StopsAllLiveSegments(t *testing.T) {
	t.Parallel()

	var drained int
	s, clock := newScheduler(t, playback.WithOnDrained(func() { drained++ }))
	s.Enqueue(bufferOf(time.Second))
	s.Enqueue(bufferOf(time.Second))

	if n := s.Interrupt(); n != 2 {
		t.Errorf("Interrupt stopped %d, want 2", n)
	}
	for i, v := range clock.Voices() {
		if v.StopCount() != 1 {
			t.Errorf("voice %d stopped %d times, want 1", i, v.StopCount())
		}
	}
	if s.Live() != 0 {
		t.Errorf("Live = %d, want 0", s.Live())
	}
	if s.NextStart() != 0 {
		t.Errorf("NextStart = %v, want 0", s.NextStart())
	}
	if drained != 0 {
		t.Errorf("interrupt must not signal drained")
	}
}

func TestInterrupt_LateEndedCallbacksIgnored(t *testing.T) {
	t.Parallel()

	var drained int
	s, clock := newScheduler(t, playback.WithOnDrained(func() { drained++ }))
	s.Enqueue(bufferOf(time.Second))
	s.Enqueue(bufferOf(time.Second))
	s.Interrupt()

	// New segment after the interruption.
	at, _ := s.Enqueue(bufferOf(time.Second))
	if at != 0 {
		t.Errorf("start after interrupt = %v, want 0", at)
	}

	// Stale completions from the interrupted segments arrive late.
	old := clock.Voices()[:2]
	for _, v := range old {
		v.FireEnded()
	}
	if s.Live() != 1 {
		t.Fatalf("Live = %d, want 1 (stale ended must be ignored)", s.Live())
	}
	if drained != 0 {
		t.Fatalf("stale ended must not signal drained")
	}
}

func TestInterrupt_SynchronousEndOnStop(t *testing.T) {
	t.Parallel()

	clock := mock.NewClock(audio.ServiceOutputFormat)
	clock.EndOnStop = true
	var drained int
	s := playback.New(clock, playback.WithOnDrained(func() { drained++ }))
	s.Enqueue(bufferOf(time.Second))

	s.Interrupt()
	if drained != 0 {
		t.Errorf("drained = %d, want 0", drained)
	}
}

func TestInterrupt_StopErrorsTolerated(t *testing.T) {
	t.Parallel()

	s, clock := newScheduler(t)
	clock.StopError = errors.New("already finished")
	s.Enqueue(bufferOf(time.Second))
	s.Enqueue(bufferOf(time.Second))

	if n := s.Interrupt(); n != 2 {
		t.Fatalf("Interrupt = %d, want 2", n)
	}
	if s.Live() != 0 {
		t.Errorf("Live = %d, want 0", s.Live())
	}
}

func TestDispatcher_DefersCompletion(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		pending []func()
	)
	dispatch := func(f func()) {
		mu.Lock()
		pending = append(pending, f)
		mu.Unlock()
	}
	s, clock := newScheduler(t, playback.WithDispatcher(dispatch))
	s.Enqueue(bufferOf(100 * time.Millisecond))

	clock.Advance(time.Second)
	if s.Live() != 1 {
		t.Fatalf("completion ran before dispatch: Live = %d", s.Live())
	}
	mu.Lock()
	fns := pending
	mu.Unlock()
	if len(fns) != 1 {
		t.Fatalf("dispatched %d completions, want 1", len(fns))
	}
	fns[0]()
	if s.Live() != 0 {
		t.Errorf("Live = %d, want 0", s.Live())
	}
}

func TestEnqueue_PlayErrorLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	s, clock := newScheduler(t)
	s.Enqueue(bufferOf(time.Second))
	clock.PlayError = errors.New("device gone")

	if _, err := s.Enqueue(bufferOf(time.Second)); err == nil {
		t.Fatal("expected error")
	}
	if s.NextStart() != time.Second {
		t.Errorf("NextStart = %v, want 1s", s.NextStart())
	}
	if s.Live() != 1 {
		t.Errorf("Live = %d, want 1", s.Live())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	s, clock := newScheduler(t)
	s.Enqueue(bufferOf(time.Second))

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if clock.CallCountClose != 1 {
		t.Errorf("clock closed %d times, want 1", clock.CallCountClose)
	}
	if s.Live() != 0 || s.NextStart() != 0 {
		t.Errorf("state after shutdown: live=%d nextStart=%v", s.Live(), s.NextStart())
	}
	if _, err := s.Enqueue(bufferOf(time.Second)); !errors.Is(err, playback.ErrShutdown) {
		t.Errorf("Enqueue after shutdown = %v, want ErrShutdown", err)
	}
}
