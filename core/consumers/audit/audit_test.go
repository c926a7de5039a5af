package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/koscakluka/ema-intake/core/events"
)

func newTestEvent(t *testing.T, payload events.Payload) events.Event {
	t.Helper()

	ev, err := events.New(payload,
		events.WithTenant("firm-a"),
		events.WithSession("session-1"),
		events.WithCorrelation("turn-1"),
		events.WithMetadata("turn_sequence", "1"),
	)
	if err != nil {
		t.Fatalf("unexpected event error: %v", err)
	}
	return ev
}

func TestNewRecordRedacts(t *testing.T) {
	testCases := []struct {
		name    string
		payload events.Payload
		check   func(t *testing.T, record Record)
	}{
		{
			name:    "caller speech is reduced to its length",
			payload: events.Transcribed{Text: "my ssn is 123-45-6789", Confidence: 0.8, DurationMS: 40},
			check: func(t *testing.T, record Record) {
				if record.Text != "" || record.TextLength != 21 {
					t.Fatalf("expected redacted text of length 21, got %q (%d)", record.Text, record.TextLength)
				}
				if record.Confidence != 0.8 || record.DurationMS != 40 {
					t.Fatalf("expected copied confidence and duration, got %+v", record)
				}
			},
		},
		{
			name:    "assistant text is kept",
			payload: events.Generated{Text: "An attorney will call you.", AdviceFlagged: true},
			check: func(t *testing.T, record Record) {
				if record.Text != "An attorney will call you." || !record.AdviceFlagged {
					t.Fatalf("expected verbatim generated text, got %+v", record)
				}
			},
		},
		{
			name: "matched patterns are never copied",
			payload: events.ComplianceFlag{
				ViolationType:  "confidential_disclosure",
				Severity:       events.SeverityCritical,
				MatchedPattern: "123-45-6789",
				Stage:          events.StagePreCheck,
				Source:         events.SourceOrchestrator,
			},
			check: func(t *testing.T, record Record) {
				encoded, _ := json.Marshal(record)
				if strings.Contains(string(encoded), "123-45-6789") {
					t.Fatalf("expected matched pattern to be redacted, got %s", encoded)
				}
				if record.Severity != events.SeverityCritical || record.ViolationType != "confidential_disclosure" {
					t.Fatalf("expected flag fields, got %+v", record)
				}
			},
		},
		{
			name:    "completed turn keeps outcome only",
			payload: events.SessionCompleted{Outcome: events.OutcomeRedirected, Transcript: "what should I do", Response: "fixed", TotalMS: 90},
			check: func(t *testing.T, record Record) {
				if record.Outcome != events.OutcomeRedirected || record.TotalMS != 90 || record.Text != "" {
					t.Fatalf("expected outcome and total without text, got %+v", record)
				}
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ev := newTestEvent(t, testCase.payload)
			record, err := NewRecord(ev)
			if err != nil {
				t.Fatalf("unexpected record error: %v", err)
			}
			if record.EventID != ev.ID() || record.Kind != ev.Kind() || record.TenantID != "firm-a" ||
				record.Metadata["turn_sequence"] != "1" {
				t.Fatalf("expected envelope fields, got %+v", record)
			}
			testCase.check(t, record)
		})
	}
}

type flakySink struct {
	mu      sync.Mutex
	failing int
	batches [][]Record
	stored  map[string]Record
}

func (s *flakySink) Write(_ context.Context, batch []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing > 0 {
		s.failing--
		return errors.New("sink unavailable")
	}
	if s.stored == nil {
		s.stored = make(map[string]Record)
	}
	s.batches = append(s.batches, batch)
	for _, record := range batch {
		s.stored[record.EventID] = record
	}
	return nil
}

func (s *flakySink) count() (batches, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), len(s.stored)
}

func awaitStored(t *testing.T, sink *flakySink, records int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, stored := sink.count(); stored >= records {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, stored := sink.count()
	t.Fatalf("expected %d stored records, got %d", records, stored)
}

func TestLoggerFlushesFullBatches(t *testing.T) {
	sink := &flakySink{}
	auditLog, err := New(sink, 2, WithBatchSize(3), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	defer auditLog.Close(context.Background())

	first := newTestEvent(t, events.SessionStarted{TurnSequence: 1})
	for _, ev := range []events.Event{first, first, newTestEvent(t, events.Generated{Text: "hi"}), newTestEvent(t, events.Synthesized{AudioBytes: 10})} {
		if err := auditLog.Handle(context.Background(), ev); err != nil {
			t.Fatalf("unexpected handle error: %v", err)
		}
	}

	awaitStored(t, sink, 3)
	if batches, _ := sink.count(); batches != 1 {
		t.Fatalf("expected one batch of three distinct events, got %d batches", batches)
	}
}

func TestLoggerFlushesOnInterval(t *testing.T) {
	sink := &flakySink{}
	auditLog, err := New(sink, 1, WithBatchSize(100), WithFlushInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	defer auditLog.Close(context.Background())

	if err := auditLog.Handle(context.Background(), newTestEvent(t, events.SessionStarted{TurnSequence: 1})); err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	awaitStored(t, sink, 1)
}

func TestLoggerRequeuesFailedWrites(t *testing.T) {
	sink := &flakySink{failing: 2}
	auditLog, err := New(sink, 1, WithBatchSize(2), WithFlushInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	defer auditLog.Close(context.Background())

	for range 2 {
		if err := auditLog.Handle(context.Background(), newTestEvent(t, events.SessionStarted{TurnSequence: 1})); err != nil {
			t.Fatalf("unexpected handle error: %v", err)
		}
	}

	awaitStored(t, sink, 2)
	deadline := time.Now().Add(time.Second)
	for auditLog.Buffered() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if auditLog.Buffered() != 0 {
		t.Fatalf("expected nothing left buffered, got %d", auditLog.Buffered())
	}
}

func TestLoggerPushesBackWhenFull(t *testing.T) {
	sink := &flakySink{failing: 1_000_000}
	auditLog, err := New(sink, 1, WithBatchSize(2), WithMaxBuffered(2), WithFlushInterval(time.Hour))
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}

	for range 2 {
		if err := auditLog.Handle(context.Background(), newTestEvent(t, events.SessionStarted{TurnSequence: 1})); err != nil {
			t.Fatalf("unexpected handle error: %v", err)
		}
	}
	err = auditLog.Handle(context.Background(), newTestEvent(t, events.SessionStarted{TurnSequence: 2}))
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected buffer full, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := auditLog.Close(ctx); err == nil {
		t.Fatalf("expected close to report unwritten records")
	}
	if err := auditLog.Handle(context.Background(), newTestEvent(t, events.SessionStarted{TurnSequence: 3})); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed logger to refuse events, got %v", err)
	}
}

type stubPutClient struct {
	mu   sync.Mutex
	puts map[string]string
}

func (c *stubPutClient) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.puts == nil {
		c.puts = make(map[string]string)
	}
	c.puts[*params.Bucket+"/"+*params.Key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkRewritesBatchToSameKey(t *testing.T) {
	client := &stubPutClient{}
	sink := NewS3SinkWithClient(S3Config{Bucket: "audit-bucket", Prefix: "firm"}, client)

	batch := []Record{
		{EventID: "b", TenantID: "firm-a", Timestamp: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)},
		{EventID: "a", TenantID: "firm-a", Timestamp: time.Date(2026, 10, 17, 9, 0, 1, 0, time.UTC)},
	}
	for range 2 {
		if err := sink.Write(context.Background(), batch); err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}

	if len(client.puts) != 1 {
		t.Fatalf("expected a rewrite to overwrite one object, got %d objects", len(client.puts))
	}
	key := "audit-bucket/" + BatchKey("firm", batch)
	body, ok := client.puts[key]
	if !ok || !strings.HasPrefix(key, "audit-bucket/firm/2026/10/17/") {
		t.Fatalf("expected object under dated prefix, got %v", client.puts)
	}
	if lines := strings.Count(body, "\n"); lines != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", lines)
	}

	reversed := []Record{batch[1], batch[0]}
	if BatchKey("firm", reversed) != BatchKey("firm", batch) {
		t.Fatalf("expected batch key to ignore record order")
	}
}

func TestFileSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(path)

	for _, id := range []string{"a", "b"} {
		if err := sink.Write(context.Background(), []Record{{EventID: id, TenantID: "firm-a"}}); err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("unexpected decode error: %v", err)
		}
		ids = append(ids, record.EventID)
	}
	if strings.Join(ids, ",") != "a,b" {
		t.Fatalf("expected records a,b, got %v", ids)
	}
}

func TestMemorySinkUpsertsByEventID(t *testing.T) {
	sink := NewMemorySink()
	record := Record{EventID: "a", TenantID: "firm-a"}
	for range 2 {
		if err := sink.Write(context.Background(), []Record{record}); err != nil {
			t.Fatalf("unexpected write error: %v", err)
		}
	}
	if len(sink.Records()) != 1 || sink.Writes() != 2 {
		t.Fatalf("expected one record across two writes, got %d records and %d writes", len(sink.Records()), sink.Writes())
	}
}
