package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWong99/hyperlive/internal/health"
	"github.com/MrWong99/hyperlive/internal/session"
	"github.com/MrWong99/hyperlive/internal/settings"
	"github.com/MrWong99/hyperlive/internal/transcript"
)

// maxBodyBytes caps request bodies of the settings endpoints.
const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

type messagesBody struct {
	Messages []transcript.Message `json:"messages"`
	Total    int                  `json:"total"`
}

type voicesBody struct {
	Voices   []settings.Voice `json:"voices"`
	Provider []string         `json:"provider_voices,omitempty"`
	Tones    []settings.Tone  `json:"tones"`
}

func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/messages", a.handleMessages)
	mux.HandleFunc("GET /api/voices", a.handleVoices)
	mux.HandleFunc("POST /api/session", a.handleStart)
	mux.HandleFunc("DELETE /api/session", a.handleStop)
	mux.HandleFunc("PUT /api/settings", a.handleSettings)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

// handleMessages returns the chat log. The optional "since" query parameter
// skips that many leading messages so clients can poll incrementally.
func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := a.log.Messages()
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			health.WriteJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid since %q", v)})
			return
		}
		since = min(n, len(msgs))
	}
	health.WriteJSON(w, http.StatusOK, messagesBody{Messages: msgs[since:], Total: len(msgs)})
}

func (a *App) handleVoices(w http.ResponseWriter, _ *http.Request) {
	health.WriteJSON(w, http.StatusOK, voicesBody{
		Voices:   settings.Voices,
		Provider: a.ctrl.Voices(),
		Tones:    settings.Tones,
	})
}

// handleStart starts a session. An empty body uses the stored settings;
// otherwise the body is a settings object with omitted fields defaulted.
func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	s := a.ctrl.Settings()
	if r.ContentLength != 0 {
		decoded, ok := decodeSettings(w, r)
		if !ok {
			return
		}
		s = decoded
	}
	// Detached from the request so a disconnecting client does not abort
	// the startup; the connect timeout still bounds it.
	if err := a.ctrl.Start(context.WithoutCancel(r.Context()), s); err != nil {
		writeControllerError(w, err)
		return
	}
	health.WriteJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.ctrl.Stop()
	health.WriteJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

// handleSettings stores new settings and restarts an active session.
func (a *App) handleSettings(w http.ResponseWriter, r *http.Request) {
	s, ok := decodeSettings(w, r)
	if !ok {
		return
	}
	if err := a.ctrl.ApplySettings(context.WithoutCancel(r.Context()), s); err != nil {
		writeControllerError(w, err)
		return
	}
	health.WriteJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func decodeSettings(w http.ResponseWriter, r *http.Request) (settings.Settings, bool) {
	var s settings.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		health.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "decode settings: " + err.Error()})
		return settings.Settings{}, false
	}
	return s.WithDefaults(), true
}

// writeControllerError maps controller errors onto HTTP status codes.
func writeControllerError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var startup *session.StartupError
	switch {
	case errors.Is(err, settings.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrAborted):
		status = http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &startup):
		status = http.StatusBadGateway
		body.Stage = string(startup.Stage)
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	health.WriteJSON(w, status, body)
}
