package audit

import (
	"fmt"
	"time"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-intake/core/events"
)

// Record is the redacted, flat form of an event kept in the audit trail.
// Caller speech is reduced to its length; only the assistant's own words are
// kept verbatim.
type Record struct {
	EventID       string            `json:"event_id"`
	Kind          events.Kind       `json:"kind"`
	SessionID     string            `json:"session_id,omitempty"`
	TenantID      string            `json:"tenant_id"`
	UserID        string            `json:"user_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	Text       string `json:"text,omitempty"`
	TextLength int    `json:"text_length,omitempty"`

	TurnSequence       int             `json:"turn_sequence,omitempty"`
	Confidence         float64         `json:"confidence,omitempty"`
	Language           string          `json:"language,omitempty"`
	NoSpeech           bool            `json:"no_speech,omitempty"`
	Redirected         bool            `json:"redirected,omitempty"`
	AdviceFlagged      bool            `json:"advice_flagged,omitempty"`
	AudioBytes         int             `json:"audio_bytes,omitempty"`
	Outcome            events.Outcome  `json:"outcome,omitempty"`
	RequiresEscalation bool            `json:"requires_escalation,omitempty"`
	DurationMS         int64           `json:"duration_ms,omitempty"`
	TotalMS            int64           `json:"total_ms,omitempty"`
	TargetMS           int64           `json:"target_ms,omitempty"`
	DominantStage      string          `json:"dominant_stage,omitempty"`
	Bucket             string          `json:"bucket,omitempty"`
	ViolationType      string          `json:"violation_type,omitempty"`
	Severity           events.Severity `json:"severity,omitempty"`
	Stage              string          `json:"stage,omitempty"`
	Source             string          `json:"source,omitempty"`
	SourceEventID      string          `json:"source_event_id,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Turns              int             `json:"turns,omitempty"`
	Message            string          `json:"message,omitempty"`
	Fallback           string          `json:"fallback,omitempty"`
}

// verbatim lists the kinds whose text is the assistant's and may be stored.
var verbatim = map[events.Kind]bool{
	events.KindGenerated: true,
}

// NewRecord copies the payload fields Record declares and redacts the rest.
// Fields a payload does not have stay empty; matched compliance patterns and
// remote addresses are never copied.
func NewRecord(ev events.Event) (Record, error) {
	record := Record{
		EventID:       ev.ID(),
		Kind:          ev.Kind(),
		SessionID:     ev.SessionID(),
		TenantID:      ev.TenantID(),
		UserID:        ev.UserID(),
		CorrelationID: ev.CorrelationID(),
		Timestamp:     ev.Timestamp(),
		Metadata:      ev.Metadata(),
	}

	if err := copier.Copy(&record, ev.Payload()); err != nil {
		return Record{}, fmt.Errorf("failed to copy %s payload: %w", ev.Kind(), err)
	}

	switch p := ev.Payload().(type) {
	case events.Transcribed:
		record.TextLength = len(p.Text)
	case events.Generated:
		record.TextLength = len(p.Text)
	case events.SessionCompleted:
		record.TextLength = len(p.Transcript)
	}
	if !verbatim[ev.Kind()] {
		record.Text = ""
	}
	return record, nil
}
