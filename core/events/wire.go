package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field names of the flat wire representation used by stream backends.
const (
	FieldID            = "id"
	FieldKind          = "kind"
	FieldSessionID     = "session_id"
	FieldTenantID      = "tenant_id"
	FieldUserID        = "user_id"
	FieldTimestamp     = "timestamp"
	FieldCorrelationID = "correlation_id"
	FieldPayload       = "payload"
	FieldMetadata      = "metadata"
)

// Kinds lists every known event kind.
func Kinds() []Kind {
	return []Kind{
		KindSessionStarted,
		KindTranscribed,
		KindGenerated,
		KindSynthesized,
		KindSessionCompleted,
		KindComplianceFlag,
		KindPerformanceAlert,
		KindConnectionOpened,
		KindConnectionClosed,
		KindError,
	}
}

// Encode flattens e into string fields. Payload and metadata are nested JSON.
func Encode(e Event) (map[string]string, error) {
	payload, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.kind, err)
	}

	metadata := []byte("{}")
	if len(e.metadata) > 0 {
		if metadata, err = json.Marshal(e.metadata); err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	return map[string]string{
		FieldID:            e.id,
		FieldKind:          string(e.kind),
		FieldSessionID:     e.sessionID,
		FieldTenantID:      e.tenantID,
		FieldUserID:        e.userID,
		FieldTimestamp:     e.timestamp.Format(time.RFC3339Nano),
		FieldCorrelationID: e.correlationID,
		FieldPayload:       string(payload),
		FieldMetadata:      string(metadata),
	}, nil
}

// Decode rebuilds an event from its flat fields and validates it the same way
// New does.
func Decode(fields map[string]string) (Event, error) {
	kind := Kind(fields[FieldKind])
	payload, err := decodePayload(kind, []byte(fields[FieldPayload]))
	if err != nil {
		return Event{}, err
	}

	timestamp, err := time.Parse(time.RFC3339Nano, fields[FieldTimestamp])
	if err != nil {
		return Event{}, fmt.Errorf("invalid timestamp %q: %w", fields[FieldTimestamp], err)
	}

	var metadata map[string]string
	if raw := fields[FieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return Event{}, fmt.Errorf("invalid metadata: %w", err)
		}
	}

	e := Event{
		id:            fields[FieldID],
		kind:          kind,
		sessionID:     fields[FieldSessionID],
		tenantID:      fields[FieldTenantID],
		userID:        fields[FieldUserID],
		correlationID: fields[FieldCorrelationID],
		timestamp:     timestamp.UTC(),
		payload:       payload,
	}
	if len(metadata) > 0 {
		e.metadata = metadata
	}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func decodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindSessionStarted:
		return unmarshalPayload[SessionStarted](raw)
	case KindTranscribed:
		return unmarshalPayload[Transcribed](raw)
	case KindGenerated:
		return unmarshalPayload[Generated](raw)
	case KindSynthesized:
		return unmarshalPayload[Synthesized](raw)
	case KindSessionCompleted:
		return unmarshalPayload[SessionCompleted](raw)
	case KindComplianceFlag:
		return unmarshalPayload[ComplianceFlag](raw)
	case KindPerformanceAlert:
		return unmarshalPayload[PerformanceAlert](raw)
	case KindConnectionOpened:
		return unmarshalPayload[ConnectionOpened](raw)
	case KindConnectionClosed:
		return unmarshalPayload[ConnectionClosed](raw)
	case KindError:
		return unmarshalPayload[Error](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func unmarshalPayload[T Payload](raw []byte) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, p.Kind(), err)
	}
	return p, nil
}
