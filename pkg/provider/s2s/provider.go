// Package s2s defines the Provider interface for speech-to-speech (S2S)
// backends.
//
// An S2S provider wraps a realtime voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// The service also transcribes both directions and signals turn boundaries
// and barge-in interruptions. Examples are the Gemini Live API and the OpenAI
// Realtime API.
//
// The central abstraction is [SessionHandle]: outbound audio goes through
// SendAudio, and everything the service sends back arrives as an ordered
// stream of [Event] values. Ordering matters: an interruption must be
// observed after the audio it interrupts and a turn-complete marker after the
// transcripts of that turn.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"

	"github.com/MrWong99/hyperlive/pkg/audio"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific name of the voice used for synthesised
	// speech (e.g. "Zephyr" for Gemini, "alloy" for OpenAI). Empty selects
	// the provider default.
	Voice string

	// Instructions is the system instruction defining persona, tone and
	// locale.
	Instructions string

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of an S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputFormat is the format SendAudio expects.
	InputFormat audio.Format

	// OutputFormat is the format of [EventAudio] payloads.
	OutputFormat audio.Format

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice names available for this provider.
	Voices []string
}

// EventKind discriminates the [Event] union.
type EventKind int

const (
	// EventAudio carries a chunk of synthesised speech in Event.Audio.
	EventAudio EventKind = iota

	// EventInputTranscript carries a fragment of the user's transcript.
	EventInputTranscript

	// EventOutputTranscript carries a fragment of the model's transcript.
	EventOutputTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventInterrupted means the user started speaking over the model and
	// any queued speech must be discarded.
	EventInterrupted

	// EventError carries a runtime error reported by the service in
	// Event.Err. The session is unusable afterwards.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one inbound message from the service. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio audio.AudioFrame

	// Text is set for EventInputTranscript and EventOutputTranscript.
	Text string

	// Err is set for EventError.
	Err error
}

// AudioEvent returns an EventAudio carrying frame.
func AudioEvent(frame audio.AudioFrame) Event { return Event{Kind: EventAudio, Audio: frame} }

// InputTranscriptEvent returns an EventInputTranscript carrying text.
func InputTranscriptEvent(text string) Event { return Event{Kind: EventInputTranscript, Text: text} }

// OutputTranscriptEvent returns an EventOutputTranscript carrying text.
func OutputTranscriptEvent(text string) Event { return Event{Kind: EventOutputTranscript, Text: text} }

// ErrorEvent returns an EventError carrying err.
func ErrorEvent(err error) Event { return Event{Kind: EventError, Err: err} }

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// All methods must be safe for concurrent use. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers an encoded PCM chunk in [Capabilities.InputFormat].
	// Returns an error if the session is closed or the chunk could not be
	// written.
	SendAudio(chunk []byte) error

	// Events returns a read-only channel emitting inbound events in the order
	// the service sent them. The channel is closed when the session ends,
	// either because Close was called or the service closed the connection.
	// Consumers must drain it promptly to avoid stalling the receive loop.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended
	// cleanly. Check Err after the Events channel is closed.
	Err() error

	// Close terminates the session and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session. The returned SessionHandle is ready
	// to accept audio immediately. The caller owns it and must call Close.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, invalid voice, network error, or ctx cancelled).
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
