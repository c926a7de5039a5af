package groq

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type schemaRequestBody struct {
	Model          string              `json:"model"`
	Messages       []message           `json:"messages"`
	ResponseFormat *ChatResponseFormat `json:"response_format,omitempty"`
	Temperature    float64             `json:"temperature"`
}

type ChatResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	// Name identifies the schema in the response.
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Schema      jsonschema.Schema `json:"schema"`
	// Strict enforces the schema on the generated content.
	Strict bool `json:"strict"`
}

// PromptJSONSchema asks for a response matching the JSON schema reflected from
// T and decodes it into a T.
func PromptJSONSchema[T any](ctx context.Context, c *Client, prompt string, systemPrompt string) (*T, error) {
	ctx, span := tracer.Start(ctx, "prompt llm structured")
	defer span.End()

	fail := func(err error) (*T, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	outputType := reflect.TypeFor[T]()
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.ReflectFromType(outputType)

	reqBody := schemaRequestBody{
		Model:    c.model,
		Messages: toMessages(systemPrompt, prompt),
		ResponseFormat: &ChatResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   outputType.Name(),
				Schema: *schema,
				Strict: true,
			},
		},
	}

	span.SetAttributes(attribute.String("request.model", c.model))
	if schemaString, err := schema.MarshalJSON(); err == nil {
		span.SetAttributes(attribute.String("request.schema", string(schemaString)))
	}

	content, err := c.complete(ctx, span, reqBody)
	if err != nil {
		return fail(err)
	}

	// some models still wrap JSON in a fenced block
	if split := strings.Split(content, "```"); len(split) > 1 {
		content = strings.TrimPrefix(strings.TrimSpace(split[1]), "json")
	}

	var output T
	if err := json.Unmarshal([]byte(content), &output); err != nil {
		return fail(fmt.Errorf("error unmarshalling response: %w", err))
	}
	return &output, nil
}
