package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-intake/core/audio"
	"github.com/koscakluka/ema-intake/core/speechtotext"
)

type fakeListenServer struct {
	query       url.Values
	auth        string
	audioBytes  int
	results     []string
	skipClosing bool
}

func (f *fakeListenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.query = r.URL.Query()
	f.auth = r.Header.Get("Authorization")

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.BinaryMessage {
			f.audioBytes += len(msg)
			continue
		}
		var control struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &control) == nil && control.Type == "CloseStream" {
			break
		}
	}

	if f.skipClosing {
		time.Sleep(time.Second)
		return
	}
	for _, result := range f.results {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(result))
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func finalResult(transcript string, confidence float64) string {
	msg, _ := json.Marshal(map[string]any{
		"type":         "Results",
		"is_final":     true,
		"speech_final": true,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": transcript, "confidence": confidence}},
		},
	})
	return string(msg)
}

func newTestClient(t *testing.T, server *httptest.Server) *TranscriptionClient {
	t.Helper()

	client, err := NewTranscriptionClient(
		WithAPIKey("test-key"),
		WithListenURL("ws"+strings.TrimPrefix(server.URL, "http")+"/v1/listen"),
	)
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func TestTranscribeJoinsFinalSegments(t *testing.T) {
	fake := &fakeListenServer{results: []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"what","confidence":0.4}]}}`,
		finalResult("What should I do", 0.9),
		finalResult("about my lawsuit?", 0.7),
	}}
	server := httptest.NewServer(fake)
	defer server.Close()

	input := make([]byte, audioChunkSize*2+10)
	got, err := newTestClient(t, server).Transcribe(context.Background(), input,
		speechtotext.WithKeyterms("deposition"))
	if err != nil {
		t.Fatalf("unexpected transcription error: %v", err)
	}

	if got.Text != "What should I do about my lawsuit?" {
		t.Fatalf("expected joined final segments, got %q", got.Text)
	}
	if got.Confidence < 0.79 || got.Confidence > 0.81 {
		t.Fatalf("expected averaged confidence of 0.8, got %v", got.Confidence)
	}
	if got.Language != "en-US" {
		t.Fatalf("expected default language, got %q", got.Language)
	}
	if fake.audioBytes != len(input) {
		t.Fatalf("expected %d audio bytes sent, got %d", len(input), fake.audioBytes)
	}
	if fake.auth != "Token test-key" {
		t.Fatalf("expected token authorization, got %q", fake.auth)
	}
	if fake.query.Get("encoding") != "linear16" || fake.query.Get("sample_rate") != "16000" {
		t.Fatalf("expected default encoding in query, got %v", fake.query)
	}
	if fake.query.Get("keyterm") != "deposition" {
		t.Fatalf("expected keyterm in query, got %v", fake.query)
	}
}

func TestTranscribeWithoutSpeech(t *testing.T) {
	server := httptest.NewServer(&fakeListenServer{})
	defer server.Close()

	got, err := newTestClient(t, server).Transcribe(context.Background(), []byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("unexpected transcription error: %v", err)
	}
	if got.Text != "" || got.Confidence != 0 {
		t.Fatalf("expected empty transcription, got %+v", got)
	}
}

func TestTranscribeHonoursContextDeadline(t *testing.T) {
	server := httptest.NewServer(&fakeListenServer{skipClosing: true})
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := newTestClient(t, server).Transcribe(ctx, []byte{1, 2}); err == nil {
		t.Fatalf("expected deadline error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected transcription to stop at the deadline, took %v", elapsed)
	}
}

func TestTranscribeRejectsUnsupportedEncoding(t *testing.T) {
	client, err := NewTranscriptionClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	_, err = client.Transcribe(context.Background(), []byte{1},
		speechtotext.WithEncodingInfo(audio.EncodingInfo{SampleRate: 16000, Format: audio.FormatMulaw}))
	if err == nil {
		t.Fatalf("expected error for 16kHz mulaw")
	}
}

func TestNewTranscriptionClientRequiresAPIKey(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")

	if _, err := NewTranscriptionClient(); err == nil {
		t.Fatalf("expected error without api key")
	}
}
