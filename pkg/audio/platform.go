// Package audio defines the PCM codec, sample buffers and the device
// abstractions that a realtime voice session is built on.
//
// The three device abstractions are:
//
//   - [Platform] opens the microphone and the speaker.
//   - [InputStream] delivers fixed-size frames of captured float samples.
//   - [OutputClock] is a monotonic playback clock on which decoded [Buffer]
//     values are scheduled to start at an exact time.
//
// Implementations are provided by adapter packages (audio/portaudio) and by
// audio/mock for tests. This package lives under pkg/ because other audio
// back ends are expected to implement [Platform].
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is wrapped by [Platform.OpenInput] errors when the
// operating system or the user refused access to the microphone.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrClosed is returned by operations on a device that was already closed.
var ErrClosed = errors.New("audio: device closed")

// InputStream is an open microphone.
//
// Frames returns a lazy, unbounded stream: one slice of interleaved samples
// per hardware period, each exactly frameSize frames long. The channel is
// closed when the stream is closed or the device fails; it cannot be
// restarted. Implementations must be safe for concurrent use.
type InputStream interface {
	// Frames returns the frame channel. Every call returns the same channel.
	Frames() <-chan []float32

	// Close stops all physical input and releases the input clock.
	// Subsequent calls are no-ops and return nil.
	Close() error
}

// Voice is a handle to one buffer scheduled on an [OutputClock].
type Voice interface {
	// Stop silences the voice immediately. Stopping a voice that has already
	// finished is tolerated and returns nil.
	Stop() error
}

// OutputClock is an open speaker with its own sample clock.
//
// Now reports the clock position as the time elapsed since the clock was
// opened. Play schedules buf to begin exactly at at (or immediately, if at
// lies in the past) and calls ended once after the buffer stopped sounding,
// whether it played to completion or was stopped. ended may be called from
// any goroutine and must not block.
//
// Implementations must be safe for concurrent use.
type OutputClock interface {
	// Format returns the native format buffers must be decoded to.
	Format() Format

	// Now returns the current position of the output clock.
	Now() time.Duration

	// Play schedules buf on the clock.
	Play(buf *Buffer, at time.Duration, ended func()) (Voice, error)

	// Close stops every voice and releases the device. Subsequent calls are
	// no-ops and return nil.
	Close() error
}

// Platform is the entry point for an audio back end.
type Platform interface {
	// OpenInput requests microphone access and opens an input stream at the
	// given format delivering frameSize frames per chunk. The error wraps
	// [ErrPermissionDenied] when access was refused.
	OpenInput(ctx context.Context, format Format, frameSize int) (InputStream, error)

	// OpenOutput opens the default output device. The returned clock may run
	// at a different native rate than requested; callers must decode to
	// [OutputClock.Format].
	OpenOutput(ctx context.Context, format Format) (OutputClock, error)
}
