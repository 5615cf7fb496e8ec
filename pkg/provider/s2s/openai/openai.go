// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions;
// the session resamples 16 kHz capture audio before sending it, so callers
// see the same input format as with every other provider.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/hyperlive/pkg/audio"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// wireRate is the only PCM16 rate the Realtime API accepts and emits.
	wireRate = 24000
)

// ErrClosed is returned by SendAudio after Close.
var ErrClosed = errors.New("openai: session closed")

// Voices lists the built-in Realtime voices.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithTranscriptionModel sets the model used to transcribe user speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.transcriptionModel = model
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:          audio.CaptureFormat,
		OutputFormat:         audio.Format{SampleRate: wireRate, Channels: 1},
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               Voices,
	}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:                conn,
		events:              make(chan s2s.Event, 64),
		tr:                  newTranslator(cfg),
		ctx:                 sessCtx,
		cancel:              sessCancel,
	}

	if err := sess.writeJSON(sessionUpdate(cfg, p.transcriptionModel)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func sessionUpdate(cfg s2s.SessionConfig, transcriptionModel string) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// input_audio_buffer.committed / conversation.item.input_audio_transcription.*
	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// translator maps Realtime server events to session events.
//
// The service transcribes user audio asynchronously, so the transcript of a
// committed user item may arrive after the response.done it prompted. With
// input transcription enabled the translator holds such a turn complete until
// every user item committed before it has been transcribed (or failed), so
// the user's words are flushed ahead of the model reply. Only the receive
// loop uses it.
type translator struct {
	outputTranscription bool
	inputTranscription  bool

	// pending holds committed user items still awaiting a transcript.
	pending map[string]struct{}
	// held is non-nil while a turn complete waits for these items.
	held map[string]struct{}
}

func newTranslator(cfg s2s.SessionConfig) *translator {
	return &translator{
		outputTranscription: cfg.OutputTranscription,
		inputTranscription:  cfg.InputTranscription,
		pending:             make(map[string]struct{}),
	}
}

// translate returns the events evt produces, in delivery order.
func (t *translator) translate(evt *serverEvent) []s2s.Event {
	switch evt.Type {
	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return nil
		}
		return []s2s.Event{s2s.AudioEvent(audio.AudioFrame{Data: data, SampleRate: wireRate, Channels: 1})}

	case "response.audio_transcript.delta":
		if !t.outputTranscription || evt.Delta == "" {
			return nil
		}
		return []s2s.Event{s2s.OutputTranscriptEvent(evt.Delta)}

	case "input_audio_buffer.committed":
		if t.inputTranscription && evt.ItemID != "" {
			t.pending[evt.ItemID] = struct{}{}
		}
		return nil

	case "conversation.item.input_audio_transcription.completed":
		var out []s2s.Event
		if evt.Transcript != "" {
			out = append(out, s2s.InputTranscriptEvent(evt.Transcript))
		}
		return append(out, t.resolve(evt.ItemID)...)

	case "conversation.item.input_audio_transcription.failed":
		slog.Debug("openai: input transcription failed", "item_id", evt.ItemID)
		return t.resolve(evt.ItemID)

	case "input_audio_buffer.speech_started":
		// Server VAD cancels the in-flight response on its own; the client
		// only has to drop what it already queued.
		return []s2s.Event{{Kind: s2s.EventInterrupted}}

	case "response.done":
		var out []s2s.Event
		if t.held != nil {
			// A second response finished before the first one's user
			// transcript; stop waiting for it.
			out = append(out, s2s.Event{Kind: s2s.EventTurnComplete})
			t.held = nil
		}
		if len(t.pending) > 0 {
			t.held = maps.Clone(t.pending)
			return out
		}
		return append(out, s2s.Event{Kind: s2s.EventTurnComplete})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		return []s2s.Event{s2s.ErrorEvent(fmt.Errorf("openai: %s", msg))}
	}
	return nil
}

// resolve marks a user item as transcribed and releases a held turn
// complete once nothing it waits for is left.
func (t *translator) resolve(itemID string) []s2s.Event {
	delete(t.pending, itemID)
	if t.held == nil {
		return nil
	}
	delete(t.held, itemID)
	if len(t.held) > 0 {
		return nil
	}
	t.held = nil
	return []s2s.Event{{Kind: s2s.EventTurnComplete}}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	tr *translator

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and forwards them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		for _, ev := range s.tr.translate(&evt) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples a 16 kHz PCM16 chunk to the wire rate and appends it
// to the input audio buffer.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	pcm := audio.ResampleMono16(chunk, audio.CaptureRate, wireRate)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Events returns the channel on which inbound events arrive.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
