// Package groq generates responses through Groq's OpenAI-compatible chat
// completions API.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultURL   = "https://api.groq.com/openai/v1/chat/completions"
	defaultModel = "llama-3.1-8b-instant"
)

type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client

	tokens metric.Int64Counter
}

type ClientOption func(*Client)

func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) { c.apiKey = apiKey }
}

// WithURL points the client at any OpenAI-compatible chat completions
// endpoint.
func WithURL(url string) ClientOption {
	return func(c *Client) { c.url = url }
}

func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		url:        defaultURL,
		model:      defaultModel,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		client.apiKey = os.Getenv("GROQ_API_KEY")
	}
	if client.apiKey == "" {
		return nil, fmt.Errorf("groq api key not found")
	}

	var err error
	if client.tokens, err = meter.Int64Counter("groq.tokens",
		metric.WithDescription("Tokens consumed by chat completions"),
	); err != nil {
		logger.Warn("failed to create token counter", "error", err)
	}
	return client, nil
}

// complete posts body and decodes the first choice of the response.
func (c *Client) complete(ctx context.Context, span trace.Span, body any) (string, error) {
	requestBodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("error marshalling JSON: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return "", fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.String("response.error", string(respBodyBytes)))
		return "", fmt.Errorf("non-OK HTTP status: %s", resp.Status)
	}

	var responseBody responseBody
	if err := json.Unmarshal(respBodyBytes, &responseBody); err != nil {
		return "", fmt.Errorf("error unmarshalling response: %w", err)
	}
	if len(responseBody.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}

	if responseBody.Usage != nil {
		span.SetAttributes(
			attribute.Int("response.prompt_tokens", responseBody.Usage.PromptTokens),
			attribute.Int("response.completion_tokens", responseBody.Usage.CompletionTokens),
		)
		if c.tokens != nil {
			c.tokens.Add(ctx, int64(responseBody.Usage.TotalTokens),
				metric.WithAttributes(attribute.String("request.model", c.model)))
		}
	}
	return responseBody.Choices[0].Message.Content, nil
}
