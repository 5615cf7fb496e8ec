// Package genai implements the s2s.Provider interface on top of the official
// Google Gen AI Go SDK (google.golang.org/genai) and its Live API client.
//
// Unlike package gemini, which speaks the BidiGenerateContent JSON protocol
// directly, this provider delegates connection management, authentication and
// framing to the SDK and only translates messages into s2s events.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const defaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("genai: session closed")

// Voices lists the prebuilt voices offered by the native-audio models.
var Voices = []string{"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus"}

// liveConn is the subset of *genai.Session used by the adapter.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Live model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the API base URL passed to the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider with the Gen AI SDK Live client.
type Provider struct {
	apiKey  string
	model   string
	baseURL string

	// dial is replaced in tests.
	dial func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error)
}

// New creates a Provider authenticating with the Gemini API key apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	p.dial = p.sdkDial
	return p
}

// Capabilities returns static metadata about the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          audio.CaptureFormat,
		OutputFormat:         audio.ServiceOutputFormat,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               Voices,
	}
}

// Connect opens a Live session. The SDK completes the setup handshake before
// returning.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	conn, err := p.dial(ctx, p.model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}
	return newSession(conn), nil
}

func (p *Provider) sdkDial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveConn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	return client.Live.Connect(ctx, model, cfg)
}

// connectConfig maps the provider-neutral session config onto the SDK type.
func connectConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(cfg.Instructions)}}
	}
	if cfg.InputTranscription {
		out.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		out.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return out
}

// translate converts one server message into events in consumer order:
// audio, input transcript, output transcript, turn complete, interrupted.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var out []s2s.Event
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			out = append(out, s2s.AudioEvent(audio.AudioFrame{
				Data:       part.InlineData.Data,
				SampleRate: audio.RateFromMIME(part.InlineData.MIMEType, audio.ServiceOutputRate),
				Channels:   1,
			}))
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, s2s.InputTranscriptEvent(sc.InputTranscription.Text))
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, s2s.OutputTranscriptEvent(sc.OutputTranscription.Text))
	}
	if sc.TurnComplete {
		out = append(out, s2s.Event{Kind: s2s.EventTurnComplete})
	}
	if sc.Interrupted {
		out = append(out, s2s.Event{Kind: s2s.EventInterrupted})
	}
	return out
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   liveConn
	events chan s2s.Event
	done   chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool
}

func newSession(conn liveConn) *session {
	s := &session{
		conn:   conn,
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s
}

// receiveLoop owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.isClosed() || isNormalClose(err) {
				return
			}
			s.setErr(fmt.Errorf("genai: receive: %w", err))
			return
		}
		if msg.GoAway != nil {
			slog.Info("genai: server announced disconnect")
		}
		for _, ev := range translate(msg) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// SendAudio sends a 16 kHz PCM16 chunk as realtime input.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: chunk, MIMEType: audio.MIMEType(audio.CaptureRate)},
	})
	if err != nil {
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// Events returns the channel on which inbound events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
