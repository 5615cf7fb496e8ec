// Package playback schedules decoded speech on an [audio.OutputClock] so
// that independently decoded chunks play back to back, and supports hard
// interruption when the listener barges in.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hyperlive/pkg/audio"
)

// ErrShutdown is returned by [Scheduler.Enqueue] after [Scheduler.Shutdown].
var ErrShutdown = errors.New("playback: scheduler shut down")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithDispatcher routes every segment-ended notification through dispatch.
// The session controller passes a function that posts onto its event loop so
// that completions are handled in order with all other events and never
// reentrantly. Without a dispatcher the notification runs on whatever
// goroutine the output clock calls ended from.
func WithDispatcher(dispatch func(func())) Option {
	return func(s *Scheduler) {
		if dispatch != nil {
			s.dispatch = dispatch
		}
	}
}

// WithOnDrained registers fn to be called whenever the last live segment
// finished playing on its own. It is not called by [Scheduler.Interrupt].
func WithOnDrained(fn func()) Option {
	return func(s *Scheduler) {
		s.onDrained = fn
	}
}

// Scheduler queues decoded buffers for gapless, strictly time-ordered
// playback.
//
// Each enqueued buffer starts at max(clock.Now(), nextStart) and advances
// nextStart by the buffer's duration, so consecutive segments never overlap
// and never leave a gap. nextStart only moves backwards through
// [Scheduler.Interrupt] and [Scheduler.Shutdown]. A natural drain leaves it
// untouched; the next enqueue then starts at the clock's current position.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	clock     audio.OutputClock
	dispatch  func(func())
	onDrained func()

	mu        sync.Mutex
	live      map[uint64]audio.Voice
	seq       uint64
	nextStart time.Duration
	shutdown  bool
}

// New creates a Scheduler that plays on clock. The scheduler owns the clock
// from now on and closes it in [Scheduler.Shutdown].
func New(clock audio.OutputClock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:    clock,
		dispatch: func(f func()) { f() },
		live:     make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format returns the format buffers must be decoded to before Enqueue.
func (s *Scheduler) Format() audio.Format {
	return s.clock.Format()
}

// Enqueue schedules buf and returns the clock time it will start at.
// On error nothing is scheduled and nextStart is unchanged.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (time.Duration, error) {
	if buf == nil {
		return 0, errors.New("playback: nil buffer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return 0, ErrShutdown
	}

	startAt := max(s.clock.Now(), s.nextStart)
	s.seq++
	id := s.seq
	voice, err := s.clock.Play(buf, startAt, func() {
		s.dispatch(func() { s.segmentEnded(id) })
	})
	if err != nil {
		return 0, fmt.Errorf("playback: schedule segment at %v: %w", startAt, err)
	}

	s.live[id] = voice
	s.nextStart = startAt + buf.Duration()
	return startAt, nil
}

// Interrupt stops every live segment immediately, clears the live set and
// resets nextStart to zero. Stop failures are logged and tolerated. It
// returns the number of segments that were live.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.live))
	for _, v := range s.live {
		voices = append(voices, v)
	}
	clear(s.live)
	s.nextStart = 0
	s.mu.Unlock()

	// Stop outside the lock: a clock may deliver ended synchronously, and
	// those notifications now refer to unknown segments and are ignored.
	for _, v := range voices {
		if err := v.Stop(); err != nil {
			slog.Debug("playback: stop segment failed", "err", err)
		}
	}
	return len(voices)
}

// Shutdown interrupts playback and closes the output clock. Subsequent calls
// are no-ops and return nil.
func (s *Scheduler) Shutdown() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.Interrupt()
	if err := s.clock.Close(); err != nil {
		return fmt.Errorf("playback: close output clock: %w", err)
	}
	return nil
}

// Live returns the number of segments scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// NextStart returns the end time of the last scheduled segment, or zero
// after an interruption.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// segmentEnded removes a finished segment. Notifications for segments that
// were interrupted arrive after the live set was cleared and are ignored.
func (s *Scheduler) segmentEnded(id uint64) {
	s.mu.Lock()
	if _, ok := s.live[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, id)
	drained := len(s.live) == 0
	cb := s.onDrained
	s.mu.Unlock()

	if drained && cb != nil {
		cb()
	}
}
