package events

import (
	"errors"
	"fmt"
)

const (
	// KindSessionStarted identifies the start of a turn.
	KindSessionStarted Kind = "session_started"
	// KindTranscribed identifies a finished transcription.
	KindTranscribed Kind = "transcribed"
	// KindGenerated identifies the final response text of a turn.
	KindGenerated Kind = "generated"
	// KindSynthesized identifies synthesized response audio.
	KindSynthesized Kind = "synthesized"
	// KindSessionCompleted identifies the terminal event of a turn.
	KindSessionCompleted Kind = "session_completed"
)

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeNoSpeech   Outcome = "no_speech"
	OutcomeRedirected Outcome = "redirected"
	OutcomeFallback   Outcome = "fallback"
)

func (o Outcome) valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeNoSpeech, OutcomeRedirected, OutcomeFallback:
		return true
	}
	return false
}

// SessionStarted marks that a turn began processing submitted audio.
type SessionStarted struct {
	TurnSequence int `json:"turn_sequence"`
	AudioBytes   int `json:"audio_bytes"`
}

func (SessionStarted) Kind() Kind { return KindSessionStarted }

func (p SessionStarted) validate() error {
	if p.TurnSequence < 0 || p.AudioBytes < 0 {
		return errors.New("negative turn sequence or audio size")
	}
	return nil
}

// Transcribed carries the transcription result of a turn.
type Transcribed struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	NoSpeech   bool    `json:"no_speech,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

func (Transcribed) Kind() Kind { return KindTranscribed }

func (p Transcribed) validate() error {
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", p.Confidence)
	}
	if p.DurationMS < 0 {
		return errors.New("negative duration")
	}
	return nil
}

// Generated carries the response text delivered for a turn.
type Generated struct {
	Text string `json:"text"`
	// Redirected is set when the fixed compliance redirect replaced generation.
	Redirected bool `json:"redirected,omitempty"`
	// AdviceFlagged is set when the post-check found advice language.
	AdviceFlagged bool  `json:"advice_flagged,omitempty"`
	DurationMS    int64 `json:"duration_ms"`
}

func (Generated) Kind() Kind { return KindGenerated }

func (p Generated) validate() error {
	if p.DurationMS < 0 {
		return errors.New("negative duration")
	}
	return nil
}

// Synthesized carries the size of the response audio, never the audio itself.
type Synthesized struct {
	AudioBytes int   `json:"audio_bytes"`
	DurationMS int64 `json:"duration_ms"`
}

func (Synthesized) Kind() Kind { return KindSynthesized }

func (p Synthesized) validate() error {
	if p.AudioBytes < 0 || p.DurationMS < 0 {
		return errors.New("negative audio size or duration")
	}
	return nil
}

// SessionCompleted is the terminal event of a turn.
type SessionCompleted struct {
	TurnSequence       int     `json:"turn_sequence"`
	Outcome            Outcome `json:"outcome"`
	Transcript         string  `json:"transcript,omitempty"`
	Response           string  `json:"response,omitempty"`
	RequiresEscalation bool    `json:"requires_escalation,omitempty"`
	TotalMS            int64   `json:"total_ms"`
}

func (SessionCompleted) Kind() Kind { return KindSessionCompleted }

func (p SessionCompleted) validate() error {
	if !p.Outcome.valid() {
		return fmt.Errorf("unknown outcome %q", p.Outcome)
	}
	if p.TotalMS < 0 {
		return errors.New("negative total duration")
	}
	return nil
}
