package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts PCM frames to a target format. It logs a warning
// on the first format mismatch so that a misconfigured device shows up once
// in the logs instead of once per frame.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts frame to the target format. When the source already
// matches the target the frame is returned unchanged (zero allocation).
// Misaligned PCM returns an error wrapping [ErrDecodeFault]; the data is
// never truncated to fit.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if !frame.Format().Valid() {
		return AudioFrame{}, fmt.Errorf("%w: invalid source format %s", ErrDecodeFault, frame.Format())
	}
	if width := 2 * frame.Channels; len(frame.Data)%width != 0 {
		return AudioFrame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrDecodeFault, len(frame.Data), width)
	}
	if frame.Format() == c.Target {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	channels := frame.Channels

	// Downmix before resampling so stereo input is only resampled once.
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}
	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}
	if channels != c.Target.Channels {
		return AudioFrame{}, fmt.Errorf("audio: unsupported channel conversion %d -> %d", channels, c.Target.Channels)
	}

	return AudioFrame{Data: pcm, SampleRate: c.Target.SampleRate, Channels: channels}, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// A trailing odd byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		avg := (int32(sample16(pcm, i*2)) + int32(sample16(pcm, i*2+1))) / 2
		put16(out, i, int16(avg))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If the rates match, or either is not positive, the
// input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation on each channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample16(pcm, 2, srcRate, dstRate)
}

func resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample16(pcm, idx*channels+ch))
			s1 := float64(sample16(pcm, next*channels+ch))
			put16(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sample16 reads the n-th little-endian int16 sample.
func sample16(pcm []byte, n int) int16 {
	return int16(pcm[n*2]) | int16(pcm[n*2+1])<<8
}

func put16(pcm []byte, n int, v int16) {
	pcm[n*2] = byte(v)
	pcm[n*2+1] = byte(v >> 8)
}
