// Package transcript turns streamed transcription fragments into finalized
// chat messages.
//
// An [Aggregator] accumulates the user's and the model's fragments for the
// current turn; [Aggregator.Flush] trims them into at most two [Message]
// values when the turn completes. Finalized messages are kept in an
// append-only [Log] that presenters can snapshot or subscribe to.
package transcript

import (
	"strings"
	"time"
)

// Role identifies who spoke a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one finalized turn of one speaker. Messages are immutable once
// appended to a [Log].
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithClock replaces time.Now as the flush timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// Aggregator buffers the transcript fragments of the current turn.
// It is not safe for concurrent use; the session event loop owns it.
type Aggregator struct {
	user  strings.Builder
	model strings.Builder
	now   func() time.Time
}

// NewAggregator returns an empty Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds a fragment to the buffer of role. Fragments are concatenated
// exactly as received. Unknown roles are ignored.
func (a *Aggregator) Append(role Role, text string) {
	switch role {
	case RoleUser:
		a.user.WriteString(text)
	case RoleModel:
		a.model.WriteString(text)
	}
}

// Pending returns the untrimmed buffered text for both roles.
func (a *Aggregator) Pending() (user, model string) {
	return a.user.String(), a.model.String()
}

// Flush finalizes the current turn. It returns a user message and then a
// model message for every buffer that is non-empty after trimming, both
// stamped with the same time, and resets both buffers.
func (a *Aggregator) Flush() []Message {
	user := strings.TrimSpace(a.user.String())
	model := strings.TrimSpace(a.model.String())
	a.Reset()

	if user == "" && model == "" {
		return nil
	}
	at := a.now()
	msgs := make([]Message, 0, 2)
	if user != "" {
		msgs = append(msgs, Message{Role: RoleUser, Text: user, CreatedAt: at})
	}
	if model != "" {
		msgs = append(msgs, Message{Role: RoleModel, Text: model, CreatedAt: at})
	}
	return msgs
}

// Reset discards both buffers.
func (a *Aggregator) Reset() {
	a.user.Reset()
	a.model.Reset()
}
