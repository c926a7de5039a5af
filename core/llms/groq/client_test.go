package groq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/koscakluka/ema-intake/core/llms"
)

type recordedRequest struct {
	auth string
	body map[string]any
}

func newFakeCompletions(t *testing.T, status int, content string) (*httptest.Server, *recordedRequest) {
	t.Helper()

	recorded := &recordedRequest{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorded.auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&recorded.body); err != nil {
			t.Errorf("expected JSON request body, got %v", err)
		}

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": content}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(server.Close)
	return server, recorded
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(WithAPIKey("test-key"), WithURL(server.URL), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func TestGenerateSendsPolicyAsSystemMessage(t *testing.T) {
	server, recorded := newFakeCompletions(t, http.StatusOK, "  Thanks for calling, how can I help?  ")
	client := newTestClient(t, server)

	response, err := client.Generate(context.Background(), "Hi, I was in a car accident.", llms.Policy{
		Instructions: "Be brief.",
		MaxTokens:    50,
	})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	if response != "Thanks for calling, how can I help?" {
		t.Fatalf("expected trimmed response, got %q", response)
	}
	if recorded.auth != "Bearer test-key" {
		t.Fatalf("expected bearer authorization, got %q", recorded.auth)
	}

	messages, _ := recorded.body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", recorded.body["messages"])
	}
	if system := messages[0].(map[string]any); system["role"] != "system" || system["content"] != "Be brief." {
		t.Fatalf("expected policy as system message, got %v", system)
	}
	if recorded.body["max_completion_tokens"] != float64(50) {
		t.Fatalf("expected token limit, got %v", recorded.body["max_completion_tokens"])
	}
	if _, ok := recorded.body["temperature"]; ok {
		t.Fatalf("expected no temperature when policy leaves it unset")
	}
}

func TestGenerateFailsOnNonOKStatus(t *testing.T) {
	server, _ := newFakeCompletions(t, http.StatusTooManyRequests, "")

	if _, err := newTestClient(t, server).Generate(context.Background(), "hello", llms.Policy{}); err == nil {
		t.Fatalf("expected error for 429 response")
	}
}

type assessment struct {
	Advice bool   `json:"advice"`
	Reason string `json:"reason"`
}

func TestPromptJSONSchemaDecodesFencedContent(t *testing.T) {
	server, recorded := newFakeCompletions(t, http.StatusOK, "```json\n{\"advice\":true,\"reason\":\"tells caller to settle\"}\n```")

	got, err := PromptJSONSchema[assessment](context.Background(), newTestClient(t, server), "You should settle.", "Classify.")
	if err != nil {
		t.Fatalf("unexpected structured prompt error: %v", err)
	}
	if !got.Advice || got.Reason != "tells caller to settle" {
		t.Fatalf("expected decoded assessment, got %+v", got)
	}

	format, _ := recorded.body["response_format"].(map[string]any)
	schema, _ := format["json_schema"].(map[string]any)
	if format["type"] != "json_schema" || schema["name"] != "assessment" {
		t.Fatalf("expected json_schema response format named after the type, got %v", format)
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "")

	if _, err := NewClient(); err == nil {
		t.Fatalf("expected error without api key")
	}
}
