package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-intake/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultListenURL = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"

	audioChunkSize = 8192

	// sent once after the final results of a closed stream
	metadataResponse api.TypeResponse = "Metadata"
)

// TranscriptionClient transcribes a complete utterance over a short-lived
// Deepgram live connection.
type TranscriptionClient struct {
	apiKey    string
	listenURL string
	model     string
	dialer    *websocket.Dialer
}

type TranscriptionClientOption func(*TranscriptionClient)

func WithAPIKey(apiKey string) TranscriptionClientOption {
	return func(c *TranscriptionClient) { c.apiKey = apiKey }
}

// WithListenURL points the client at a different listen endpoint.
func WithListenURL(listenURL string) TranscriptionClientOption {
	return func(c *TranscriptionClient) { c.listenURL = listenURL }
}

func WithModel(model string) TranscriptionClientOption {
	return func(c *TranscriptionClient) { c.model = model }
}

func NewTranscriptionClient(opts ...TranscriptionClientOption) (*TranscriptionClient, error) {
	client := &TranscriptionClient{
		listenURL: defaultListenURL,
		model:     defaultModel,
		dialer:    websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		client.apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if client.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}
	return client, nil
}

func (c *TranscriptionClient) Transcribe(ctx context.Context, audio []byte, opts ...speechtotext.TranscriptionOption) (speechtotext.Transcription, error) {
	ctx, span := tracer.Start(ctx, "transcribe audio")
	defer span.End()
	span.SetAttributes(attribute.Int("request.audio_bytes", len(audio)))

	fail := func(err error) (speechtotext.Transcription, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return speechtotext.Transcription{}, err
	}

	options := speechtotext.NewOptions(opts...)
	encoding, err := convertEncoding(options.EncodingInfo)
	if err != nil {
		return fail(fmt.Errorf("invalid encoding: %w", err))
	}

	conn, err := c.connect(ctx, encoding, options)
	if err != nil {
		return fail(fmt.Errorf("failed to open websocket: %w", err))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sent := make(chan error, 1)
	go func() { sent <- sendAudio(conn, audio) }()

	text, confidence, err := readResults(conn)
	if ctx.Err() != nil {
		return fail(fmt.Errorf("transcription interrupted: %w", ctx.Err()))
	}
	if err != nil {
		return fail(err)
	}
	if err := <-sent; err != nil {
		return fail(err)
	}

	span.SetAttributes(attribute.Float64("response.confidence", confidence))
	return speechtotext.Transcription{
		Text:       text,
		Confidence: confidence,
		Language:   options.Language,
	}, nil
}

func (c *TranscriptionClient) connect(ctx context.Context, encoding encodingInfo, options speechtotext.TranscriptionOptions) (*websocket.Conn, error) {
	listenURL, err := url.Parse(c.listenURL)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}

	queryParams := listenURL.Query()
	queryParams.Set("encoding", encoding.Format)
	queryParams.Set("sample_rate", strconv.Itoa(encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", c.model)
	queryParams.Set("language", options.Language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("punctuate", "true")
	for _, keyterm := range options.Keyterms {
		queryParams.Add("keyterm", keyterm)
	}
	listenURL.RawQuery = queryParams.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open socket connection to deepgram (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

func sendAudio(conn *websocket.Conn, audio []byte) error {
	for start := 0; start < len(audio); start += audioChunkSize {
		end := min(start+audioChunkSize, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[start:end]); err != nil {
			return fmt.Errorf("failed to write to deepgram client: %w", err)
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

// readResults collects final segments until the stream reports its metadata
// or closes, and averages their confidence.
func readResults(conn *websocket.Conn) (string, float64, error) {
	var (
		segments      []string
		confidenceSum float64
	)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return "", 0, fmt.Errorf("failed to read deepgram message: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var parsedMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.Warn("failed to unmarshal deepgram message", "error", err)
			continue
		}

		switch api.TypeResponse(parsedMsg.Type) {
		case api.TypeMessageResponse:
			var msgResp api.MessageResponse
			if err := json.Unmarshal(msg, &msgResp); err != nil {
				logger.Warn("failed to unmarshal deepgram results", "error", err)
				continue
			}
			if !msgResp.IsFinal || len(msgResp.Channel.Alternatives) == 0 {
				continue
			}
			alternative := msgResp.Channel.Alternatives[0]
			if transcript := strings.TrimSpace(alternative.Transcript); transcript != "" {
				segments = append(segments, transcript)
				confidenceSum += alternative.Confidence
			}

		case metadataResponse:
			text, confidence := joinSegments(segments, confidenceSum)
			return text, confidence, nil
		}
	}

	text, confidence := joinSegments(segments, confidenceSum)
	return text, confidence, nil
}

func joinSegments(segments []string, confidenceSum float64) (string, float64) {
	if len(segments) == 0 {
		return "", 0
	}
	return strings.Join(segments, " "), confidenceSum / float64(len(segments))
}
