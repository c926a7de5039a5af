package connection

import (
	"encoding/json"
	"strings"
)

// CloseUnauthenticated is the websocket close code sent when the handshake
// credential is rejected.
const CloseUnauthenticated = 4401

// Error codes carried by error frames.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeBadRequest      = "bad_request"
	CodeNotStarted      = "session_not_started"
)

// Client frame types.
const (
	TypeStartSession = "start_session"
	TypeEndUtterance = "end_utterance"
	TypeEndSession   = "end_session"
	TypePing         = "ping"
)

// Server frame types.
const (
	TypeSessionStarted = "session_started"
	TypeTranscription  = "transcription"
	TypeResponse       = "response"
	TypeAudioEnd       = "audio_end"
	TypeMetrics        = "metrics"
	TypeError          = "error"
	TypePong           = "pong"
)

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

func badRequest(message string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message}
}

type ClientStartSession struct {
	Type string `json:"type"`
}

type ClientEndUtterance struct {
	Type string `json:"type"`
}

type ClientEndSession struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// DecodeClientMessage parses a text frame into one of the Client* types.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame")
	}

	switch strings.TrimSpace(envelope.Type) {
	case "":
		return nil, badRequest("missing type")
	case TypeStartSession:
		return ClientStartSession{Type: TypeStartSession}, nil
	case TypeEndUtterance:
		return ClientEndUtterance{Type: TypeEndUtterance}, nil
	case TypeEndSession:
		return ClientEndSession{Type: TypeEndSession}, nil
	case TypePing:
		var msg ClientPing
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid ping frame")
		}
		return msg, nil
	default:
		return nil, badRequest("unknown frame type " + envelope.Type)
	}
}

type ServerSessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type ServerTranscription struct {
	Type       string  `json:"type"`
	Turn       int     `json:"turn"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	NoSpeech   bool    `json:"no_speech,omitempty"`
}

type ServerResponse struct {
	Type               string `json:"type"`
	Turn               int    `json:"turn"`
	Text               string `json:"text"`
	Outcome            string `json:"outcome"`
	RequiresEscalation bool   `json:"requires_escalation,omitempty"`
}

// ServerAudioEnd marks the end of a turn's output, sent even when the turn
// produced no audio.
type ServerAudioEnd struct {
	Type  string `json:"type"`
	Turn  int    `json:"turn"`
	Bytes int    `json:"bytes"`
}

type ServerMetrics struct {
	Type         string `json:"type"`
	Turn         int    `json:"turn"`
	TotalMS      int64  `json:"total_ms"`
	TranscribeMS int64  `json:"transcribe_ms"`
	GenerateMS   int64  `json:"generate_ms"`
	SynthesizeMS int64  `json:"synthesize_ms"`
	TargetMS     int64  `json:"target_ms"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type ServerPong struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}
