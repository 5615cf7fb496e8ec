package audio

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Rates fixed by the live service contract.
const (
	// CaptureRate is the only input rate the service accepts (mono).
	CaptureRate = 16000

	// ServiceOutputRate is the rate of synthesized speech (mono).
	ServiceOutputRate = 24000

	// DefaultFrameSize is the number of frames per captured chunk.
	DefaultFrameSize = 4096
)

// ErrDecodeFault is wrapped by every error caused by a malformed inbound
// audio payload.
var ErrDecodeFault = errors.New("audio: decode fault")

// CaptureFormat is the format [EncodeFrame] output is sent in.
var CaptureFormat = Format{SampleRate: CaptureRate, Channels: 1}

// ServiceOutputFormat is the format of audio chunks received from the service.
var ServiceOutputFormat = Format{SampleRate: ServiceOutputRate, Channels: 1}

// MIMEType returns the MIME type announcing raw s16le PCM at rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// RateFromMIME extracts the rate parameter of an "audio/pcm;rate=N" MIME
// type, returning fallback when it is missing or invalid.
func RateFromMIME(mimeType string, fallback int) int {
	for param := range strings.SplitSeq(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// EncodeFrame converts float samples to 16-bit little-endian PCM. Samples
// outside [-1, 1] are clamped to the nearest boundary; NaN encodes as
// silence.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		put16(out, i, floatToInt16(s))
	}
	return out
}

// DecodeFrame decodes a PCM payload in format src into a [Buffer] in the
// target format, typically [OutputClock.Format]. Rate and channel differences
// are reconciled by [FormatConverter]. A payload whose length is not a whole
// number of sample frames returns an error wrapping [ErrDecodeFault].
func DecodeFrame(payload []byte, src, target Format) (*Buffer, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("audio: decode: invalid target format %s", target)
	}
	conv := FormatConverter{Target: target}
	frame, err := conv.Convert(AudioFrame{Data: payload, SampleRate: src.SampleRate, Channels: src.Channels})
	if err != nil {
		return nil, fmt.Errorf("audio: decode: %w", err)
	}

	samples := make([]float32, len(frame.Data)/2)
	for i := range samples {
		samples[i] = float32(sample16(frame.Data, i)) / 32768
	}
	return &Buffer{Samples: samples, Format: target}, nil
}

func floatToInt16(s float32) int16 {
	if s != s {
		return 0
	}
	v := math.Round(float64(s) * 32768)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
