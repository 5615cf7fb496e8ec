// Package settings holds the user-facing conversation settings: the persona
// name, the speaking tone, the prebuilt voice and the response language.
// Settings render into the system instruction sent when a session connects.
package settings

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every error [Settings.Validate] returns.
var ErrInvalid = errors.New("settings: invalid")

// Tone is the speaking style the model is asked to adopt.
type Tone string

const (
	ToneCasual       Tone = "Casual"
	ToneFormal       Tone = "Formal"
	ToneHumorous     Tone = "Humorous"
	ToneProfessional Tone = "Professional"
)

// Tones lists every valid tone in display order.
var Tones = []Tone{ToneCasual, ToneFormal, ToneHumorous, ToneProfessional}

// IsValid reports whether t is a known tone.
func (t Tone) IsValid() bool {
	for _, known := range Tones {
		if t == known {
			return true
		}
	}
	return false
}

// Voice is a prebuilt speech voice name.
type Voice string

const (
	VoiceZephyr Voice = "Zephyr"
	VoicePuck   Voice = "Puck"
	VoiceCharon Voice = "Charon"
	VoiceKore   Voice = "Kore"
	VoiceFenrir Voice = "Fenrir"
)

// Voices lists every valid voice in display order.
var Voices = []Voice{VoiceZephyr, VoicePuck, VoiceCharon, VoiceKore, VoiceFenrir}

// IsValid reports whether v is a known voice.
func (v Voice) IsValid() bool {
	for _, known := range Voices {
		if v == known {
			return true
		}
	}
	return false
}

// Default values applied by [Default] and [Settings.WithDefaults].
const (
	DefaultPersona  = "Hyperlive"
	DefaultTone     = ToneProfessional
	DefaultVoice    = VoiceZephyr
	DefaultLanguage = "English"
)

// Settings configures how the assistant speaks. The zero value is not valid;
// use [Default] or call [Settings.WithDefaults].
type Settings struct {
	Persona  string `yaml:"persona"  json:"persona"`
	Tone     Tone   `yaml:"tone"     json:"tone"`
	Voice    Voice  `yaml:"voice"    json:"voice"`
	Language string `yaml:"language" json:"language"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Persona:  DefaultPersona,
		Tone:     DefaultTone,
		Voice:    DefaultVoice,
		Language: DefaultLanguage,
	}
}

// WithDefaults returns a copy of s with empty fields filled in.
func (s Settings) WithDefaults() Settings {
	if s.Persona == "" {
		s.Persona = DefaultPersona
	}
	if s.Tone == "" {
		s.Tone = DefaultTone
	}
	if s.Voice == "" {
		s.Voice = DefaultVoice
	}
	if s.Language == "" {
		s.Language = DefaultLanguage
	}
	return s
}

// Validate checks every field and returns all problems joined together.
// Unknown tones and voices carry a suggestion when one is close enough.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Persona) == "" {
		errs = append(errs, fmt.Errorf("%w: persona must not be empty", ErrInvalid))
	}
	if !s.Tone.IsValid() {
		errs = append(errs, unknownName("tone", string(s.Tone), names(Tones)))
	}
	if !s.Voice.IsValid() {
		errs = append(errs, unknownName("voice", string(s.Voice), names(Voices)))
	}
	if strings.TrimSpace(s.Language) == "" {
		errs = append(errs, fmt.Errorf("%w: language must not be empty", ErrInvalid))
	}
	return errors.Join(errs...)
}

func unknownName(field, got string, known []string) error {
	if suggestion, ok := Suggest(got, known); ok {
		return fmt.Errorf("%w: unknown %s %q (did you mean %q?)", ErrInvalid, field, got, suggestion)
	}
	return fmt.Errorf("%w: unknown %s %q (valid: %s)", ErrInvalid, field, got, strings.Join(known, ", "))
}

func names[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// Instructions renders the system instruction for a new session.
func (s Settings) Instructions() string {
	s = s.WithDefaults()

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a helpful voice assistant in a live spoken conversation.\n", s.Persona)
	fmt.Fprintf(&b, "Speak in a %s tone: %s\n", strings.ToLower(string(s.Tone)), toneDirective(s.Tone))
	fmt.Fprintf(&b, "Always respond in %s, using natural, fluent phrasing a native speaker would use.\n", s.Language)
	b.WriteString("Keep answers short and conversational; this is audio, so avoid lists, markup and long monologues.\n")
	b.WriteString("If the user starts speaking while you are talking, stop immediately and listen.")
	return b.String()
}

func toneDirective(t Tone) string {
	switch t {
	case ToneCasual:
		return "relaxed and friendly, like talking to a good friend."
	case ToneFormal:
		return "polite and precise, avoiding slang and contractions."
	case ToneHumorous:
		return "light-hearted and witty, with the occasional joke where it fits."
	default:
		return "clear, competent and to the point."
	}
}
