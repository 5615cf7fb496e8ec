package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Valid reports whether both the rate and the channel count are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// AudioFrame is a chunk of 16-bit little-endian PCM as it travels over the
// wire: captured audio after encoding, or synthesized speech before decoding.
type AudioFrame struct {
	// Data is interleaved s16le PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for service output).
	SampleRate int

	// Channels is 1 for everything the live service produces or accepts.
	Channels int
}

// Format returns the frame's sample format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame. Misaligned trailing
// bytes are not counted.
func (f AudioFrame) Duration() time.Duration {
	if !f.Format().Valid() {
		return 0
	}
	return FramesDuration(int64(len(f.Data)/(2*f.Channels)), f.SampleRate)
}

// Buffer is decoded, playable audio: interleaved float32 samples in [-1, 1]
// at a fixed format. A Buffer is produced by [DecodeFrame] for a specific
// [OutputClock] and must not be mutated after it has been scheduled.
type Buffer struct {
	Samples []float32
	Format  Format
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the playback length of the buffer at its own rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.Format.SampleRate <= 0 {
		return 0
	}
	return FramesDuration(int64(b.Frames()), b.Format.SampleRate)
}

// FramesDuration converts a frame count at rate to a duration rounded to the
// nearest nanosecond. [DurationFrames] maps the result back to frames
// exactly, so segments chained by their durations land on adjacent frames.
func FramesDuration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	r := int64(rate)
	return time.Duration((frames*int64(time.Second) + r/2) / r)
}

// DurationFrames converts d to a frame count at rate rounded to the nearest
// frame.
func DurationFrames(d time.Duration, rate int) int64 {
	if rate <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
