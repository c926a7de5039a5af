package events

import (
	"errors"
	"testing"
	"time"
)

func TestPayloadsReportExpectedKinds(t *testing.T) {
	testCases := []struct {
		name     string
		payload  Payload
		expected Kind
	}{
		{name: "session started", payload: SessionStarted{TurnSequence: 1}, expected: KindSessionStarted},
		{name: "transcribed", payload: Transcribed{Text: "hi", Confidence: 0.9}, expected: KindTranscribed},
		{name: "generated", payload: Generated{Text: "hello"}, expected: KindGenerated},
		{name: "synthesized", payload: Synthesized{AudioBytes: 10}, expected: KindSynthesized},
		{name: "session completed", payload: SessionCompleted{Outcome: OutcomeCompleted}, expected: KindSessionCompleted},
		{name: "compliance flag", payload: ComplianceFlag{ViolationType: "x", Severity: SeverityHigh, Stage: StagePreCheck, Source: SourceOrchestrator}, expected: KindComplianceFlag},
		{name: "performance alert", payload: PerformanceAlert{TotalMS: 150, TargetMS: 100, Source: SourceMonitor}, expected: KindPerformanceAlert},
		{name: "connection opened", payload: ConnectionOpened{}, expected: KindConnectionOpened},
		{name: "connection closed", payload: ConnectionClosed{Reason: "client_disconnect"}, expected: KindConnectionClosed},
		{name: "error", payload: Error{Stage: StageTranscribe}, expected: KindError},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			event, err := New(testCase.payload, WithTenant("firm-a"))
			if err != nil {
				t.Fatalf("expected valid event, got %v", err)
			}
			if got := event.Kind(); got != testCase.expected {
				t.Fatalf("expected kind %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestKindsCoversEveryPayload(t *testing.T) {
	for _, kind := range Kinds() {
		if _, err := decodePayload(kind, nil); err != nil {
			t.Fatalf("expected kind %q to decode, got %v", kind, err)
		}
	}
}

func TestNewRequiresValidTenant(t *testing.T) {
	for _, tenant := range []string{"", "firm:a", "events:global", "a b", "global"} {
		if _, err := New(SessionStarted{}, WithTenant(tenant)); !errors.Is(err, ErrInvalidTenant) {
			t.Fatalf("expected ErrInvalidTenant for %q, got %v", tenant, err)
		}
	}
}

func TestNewRejectsInvalidPayloads(t *testing.T) {
	testCases := []struct {
		name    string
		payload Payload
	}{
		{name: "nil payload", payload: nil},
		{name: "confidence above one", payload: Transcribed{Confidence: 1.5}},
		{name: "unknown outcome", payload: SessionCompleted{Outcome: "maybe"}},
		{name: "flag without severity", payload: ComplianceFlag{ViolationType: "x", Stage: StageAsync, Source: SourceValidator}},
		{name: "alert without target", payload: PerformanceAlert{TotalMS: 10, Source: SourceMonitor}},
		{name: "close without reason", payload: ConnectionClosed{}},
		{name: "error without stage", payload: Error{Message: "boom"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := New(testCase.payload, WithTenant("firm-a")); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestMetadataCannotBeMutatedThroughGetter(t *testing.T) {
	event, err := New(SessionStarted{}, WithTenant("firm-a"), WithMetadata("channel", "phone"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metadata := event.Metadata()
	metadata["channel"] = "changed"

	if got, _ := event.MetadataValue("channel"); got != "phone" {
		t.Fatalf("expected metadata to stay %q, got %q", "phone", got)
	}
}

func TestWireEncodingPreservesEnvelope(t *testing.T) {
	timestamp := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	original, err := New(
		ComplianceFlag{ViolationType: "prohibited_legal_advice_request", Severity: SeverityHigh, MatchedPattern: "what should i do", Stage: StagePreCheck, Source: SourceOrchestrator},
		WithTenant("firm-a"),
		WithSession("s-1"),
		WithUser("u-1"),
		WithCorrelation("c-1"),
		WithTimestamp(timestamp),
		WithMetadata("k", "v"),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields, err := Encode(original)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if fields[FieldTimestamp] != "2026-03-04T05:06:07.000000008Z" {
		t.Fatalf("expected RFC 3339 timestamp, got %q", fields[FieldTimestamp])
	}

	decoded, err := Decode(fields)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.ID() != original.ID() || decoded.CorrelationID() != "c-1" || decoded.UserID() != "u-1" || decoded.SessionID() != "s-1" {
		t.Fatalf("expected envelope to survive encoding, got %+v", decoded)
	}
	if !decoded.Timestamp().Equal(timestamp) {
		t.Fatalf("expected timestamp %v, got %v", timestamp, decoded.Timestamp())
	}
	flag, ok := PayloadAs[ComplianceFlag](decoded)
	if !ok || flag.ViolationType != "prohibited_legal_advice_request" {
		t.Fatalf("expected compliance flag payload, got %#v", decoded.Payload())
	}
	if v, _ := decoded.MetadataValue("k"); v != "v" {
		t.Fatalf("expected metadata to survive encoding, got %q", v)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode(map[string]string{
		FieldID:        "1",
		FieldKind:      "billing_updated",
		FieldTenantID:  "firm-a",
		FieldTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
