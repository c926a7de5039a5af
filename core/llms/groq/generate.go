package groq

import (
	"context"
	"strings"

	"github.com/koscakluka/ema-intake/core/llms"
	"github.com/koscakluka/ema-intake/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type requestBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   *int      `json:"max_completion_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Generate answers text under policy with a single non-streamed completion.
func (c *Client) Generate(ctx context.Context, text string, policy llms.Policy) (string, error) {
	ctx, span := tracer.Start(ctx, "generate response")
	defer span.End()

	reqBody := requestBody{
		Model:    c.model,
		Messages: toMessages(policy.Instructions, text),
	}
	if policy.MaxTokens > 0 {
		reqBody.MaxTokens = utils.Ptr(policy.MaxTokens)
	}
	if policy.Temperature > 0 {
		reqBody.Temperature = utils.Ptr(policy.Temperature)
	}
	span.SetAttributes(attribute.String("request.model", c.model))

	content, err := c.complete(ctx, span, reqBody)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to generate response")
		return "", err
	}
	return strings.TrimSpace(content), nil
}
