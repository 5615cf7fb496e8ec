package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
	"github.com/MrWong99/hyperlive/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithModel("gpt-test"))
	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type update struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	gotCh := make(chan update, 1)
	reqCh := make(chan *http.Request, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		reqCh <- r
		var msg update
		readJSON(t, conn, &msg)
		gotCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{Voice: "coral", Instructions: "Be brief.", InputTranscription: true})

	r := <-reqCh
	if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := r.URL.Query().Get("model"); got != "gpt-test" {
		t.Errorf("model = %q", got)
	}
	msg := <-gotCh
	if msg.Type != "session.update" || msg.Session.Voice != "coral" || msg.Session.Instructions != "Be brief." {
		t.Errorf("session.update = %+v", msg)
	}
	if msg.Session.InputAudioFormat != "pcm16" {
		t.Errorf("input format = %q", msg.Session.InputAudioFormat)
	}
	if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Errorf("input transcription = %+v", msg.Session.InputAudioTranscription)
	}
}

func TestSendAudio_ResamplesToWireRate(t *testing.T) {
	t.Parallel()

	gotCh := make(chan []byte, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		data, _ := base64.StdEncoding.DecodeString(msg.Audio)
		gotCh <- data
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{})

	// 4 samples at 16 kHz become 6 samples at 24 kHz.
	if err := sess.SendAudio(make([]byte, 8)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := <-gotCh; len(got) != 12 {
		t.Errorf("sent %d bytes, want 12", len(got))
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{})
	_ = sess.Close()
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, openai.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestEvents_Translation(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		for _, ev := range []map[string]any{
			{"type": "session.created"},
			{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)},
			{"type": "response.audio_transcript.delta", "delta": "Hel"},
			{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Hi there"},
			{"type": "response.done"},
			{"type": "input_audio_buffer.speech_started"},
			{"type": "error", "error": map[string]any{"type": "server_error", "message": "overloaded"}},
		} {
			writeJSON(t, conn, ev)
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{OutputTranscription: true})

	want := []s2s.EventKind{
		s2s.EventAudio,
		s2s.EventOutputTranscript,
		s2s.EventInputTranscript,
		s2s.EventTurnComplete,
		s2s.EventInterrupted,
		s2s.EventError,
	}
	for i, kind := range want {
		select {
		case ev := <-sess.Events():
			if ev.Kind != kind {
				t.Fatalf("event %d = %s, want %s", i, ev.Kind, kind)
			}
			switch ev.Kind {
			case s2s.EventAudio:
				if string(ev.Audio.Data) != string(pcm) || ev.Audio.SampleRate != 24000 {
					t.Errorf("audio = %+v", ev.Audio)
				}
			case s2s.EventOutputTranscript:
				if ev.Text != "Hel" {
					t.Errorf("output transcript = %q", ev.Text)
				}
			case s2s.EventInputTranscript:
				if ev.Text != "Hi there" {
					t.Errorf("input transcript = %q", ev.Text)
				}
			case s2s.EventError:
				if !strings.Contains(ev.Err.Error(), "overloaded") {
					t.Errorf("error = %v", ev.Err)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

// nextKinds reads n events and returns their kinds and texts.
func nextKinds(t *testing.T, sess s2s.SessionHandle, n int) ([]s2s.EventKind, []string) {
	t.Helper()
	var kinds []s2s.EventKind
	var texts []string
	for i := range n {
		select {
		case ev := <-sess.Events():
			kinds = append(kinds, ev.Kind)
			texts = append(texts, ev.Text)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d (got %v)", i, kinds)
		}
	}
	return kinds, texts
}

func TestEvents_TurnCompleteWaitsForLateInputTranscript(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		for _, ev := range []map[string]any{
			{"type": "input_audio_buffer.committed", "item_id": "item_1"},
			{"type": "response.audio_transcript.delta", "delta": "Hello!"},
			{"type": "response.done"},
			{"type": "conversation.item.input_audio_transcription.completed", "item_id": "item_1", "transcript": "Hi"},
			{"type": "input_audio_buffer.committed", "item_id": "item_2"},
			{"type": "conversation.item.input_audio_transcription.failed", "item_id": "item_2"},
			{"type": "response.done"},
		} {
			writeJSON(t, conn, ev)
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{InputTranscription: true, OutputTranscription: true})

	kinds, texts := nextKinds(t, sess, 4)
	want := []s2s.EventKind{
		s2s.EventOutputTranscript,
		s2s.EventInputTranscript,
		s2s.EventTurnComplete,
		s2s.EventTurnComplete,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if texts[1] != "Hi" {
		t.Errorf("input transcript = %q, want Hi", texts[1])
	}
}

func TestEvents_SecondResponseReleasesHeldTurn(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		for _, ev := range []map[string]any{
			{"type": "input_audio_buffer.committed", "item_id": "item_1"},
			{"type": "response.done"},
			{"type": "response.done"},
		} {
			writeJSON(t, conn, ev)
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{InputTranscription: true})

	kinds, _ := nextKinds(t, sess, 1)
	if kinds[0] != s2s.EventTurnComplete {
		t.Errorf("first event = %s, want turn_complete", kinds[0])
	}
}

func TestEvents_OutputTranscriptDisabled(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "ignored"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{})

	select {
	case ev := <-sess.Events():
		if ev.Kind != s2s.EventTurnComplete {
			t.Errorf("first event = %s, want turn_complete", ev.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	sess := connect(t, srv, s2s.SessionConfig{})
	for i := range 3 {
		if err := sess.Close(); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
	}
	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("Events channel should be closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Events channel not closed after Close")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
