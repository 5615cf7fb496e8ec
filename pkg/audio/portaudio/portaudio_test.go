package portaudio

import (
	"testing"
	"time"

	"github.com/MrWong99/hyperlive/pkg/audio"
)

func newTestClock(rate int) *outputClock {
	c := &outputClock{
		format: audio.Format{SampleRate: rate, Channels: 1},
		notify: make(chan func(), 16),
		done:   make(chan struct{}),
	}
	return c
}

func buffer(rate int, samples ...float32) *audio.Buffer {
	return &audio.Buffer{Samples: samples, Format: audio.Format{SampleRate: rate, Channels: 1}}
}

func TestRender_MixesAtScheduledFrame(t *testing.T) {
	t.Parallel()

	c := newTestClock(1000)
	// Frame 2 at 1 kHz is 2ms.
	if _, err := c.Play(buffer(1000, 0.5, 0.5), 2*time.Millisecond, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if _, err := c.Play(buffer(1000, 0.25, 0.25, 0.25), 0, nil); err != nil {
		t.Fatalf("Play: %v", err)
	}

	out := make([]float32, 4)
	c.render(out)

	want := []float32{0.25, 0.25, 0.75, 0.5}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
	if got := c.Now(); got != 4*time.Millisecond {
		t.Errorf("Now = %v, want 4ms", got)
	}
}

func TestRender_ClampsSum(t *testing.T) {
	t.Parallel()

	c := newTestClock(1000)
	for range 3 {
		if _, err := c.Play(buffer(1000, 0.6, -0.6), 0, nil); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	out := make([]float32, 2)
	c.render(out)
	if out[0] != 1 || out[1] != -1 {
		t.Errorf("out = %v, want [1 -1]", out)
	}
}

func TestRender_QueuesEndedWhenFinished(t *testing.T) {
	t.Parallel()

	c := newTestClock(1000)
	ended := 0
	if _, err := c.Play(buffer(1000, 0.1, 0.1, 0.1), 0, func() { ended++ }); err != nil {
		t.Fatalf("Play: %v", err)
	}

	c.render(make([]float32, 2))
	if len(c.notify) != 0 {
		t.Fatal("ended queued before the voice finished")
	}
	c.render(make([]float32, 2))
	if len(c.notify) != 1 {
		t.Fatalf("queued callbacks = %d, want 1", len(c.notify))
	}
	(<-c.notify)()
	if ended != 1 {
		t.Errorf("ended = %d, want 1", ended)
	}
	if len(c.voices) != 0 {
		t.Errorf("voices = %d, want 0", len(c.voices))
	}
}

func TestVoiceStop_RemovesAndQueuesOnce(t *testing.T) {
	t.Parallel()

	c := newTestClock(1000)
	v, err := c.Play(buffer(1000, 0.1, 0.1), time.Second, func() {})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	for range 2 {
		if err := v.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if len(c.voices) != 0 {
		t.Errorf("voices = %d, want 0", len(c.voices))
	}
	if len(c.notify) != 1 {
		t.Errorf("queued callbacks = %d, want 1", len(c.notify))
	}
}

func TestPlay_RejectsFormatMismatch(t *testing.T) {
	t.Parallel()

	c := newTestClock(48000)
	if _, err := c.Play(buffer(24000, 0.1), 0, nil); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestPlay_ChainedBuffersStartOnAdjacentFrames(t *testing.T) {
	t.Parallel()

	const rate = 48000
	c := newTestClock(rate)
	first := &audio.Buffer{Samples: make([]float32, 1024), Format: audio.Format{SampleRate: rate, Channels: 1}}
	for i := range first.Samples {
		first.Samples[i] = 0.5
	}
	second := buffer(rate, 0.25, 0.25)

	if _, err := c.Play(first, 0, nil); err != nil {
		t.Fatalf("Play first: %v", err)
	}
	if _, err := c.Play(second, first.Duration(), nil); err != nil {
		t.Fatalf("Play second: %v", err)
	}

	out := make([]float32, 1026)
	c.render(out)
	if out[1023] != 0.5 {
		t.Errorf("last frame of first buffer = %v, want 0.5 (overlap)", out[1023])
	}
	if out[1024] != 0.25 || out[1025] != 0.25 {
		t.Errorf("second buffer frames = %v, want [0.25 0.25]", out[1024:])
	}
}
