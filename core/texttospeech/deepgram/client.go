package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-intake/core/audio"
	"github.com/koscakluka/ema-intake/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultSpeakURL = "wss://api.deepgram.com/v1/speak"

type Voice string

const (
	VoiceThalia    Voice = "aura-2-thalia-en"
	VoiceAndromeda Voice = "aura-2-andromeda-en"
	VoiceHelena    Voice = "aura-2-helena-en"
	VoiceApollo    Voice = "aura-2-apollo-en"
	VoiceArcas     Voice = "aura-2-arcas-en"
	VoiceAsteria   Voice = "aura-asteria-en"

	defaultVoice = VoiceThalia
)

func AvailableVoices() []Voice {
	return []Voice{VoiceThalia, VoiceAndromeda, VoiceHelena, VoiceApollo, VoiceArcas, VoiceAsteria}
}

// TextToSpeechClient synthesizes a full response over a short-lived Deepgram
// speak connection.
type TextToSpeechClient struct {
	apiKey   string
	speakURL string
	voice    Voice
	dialer   *websocket.Dialer
}

type TextToSpeechClientOption func(*TextToSpeechClient)

func WithAPIKey(apiKey string) TextToSpeechClientOption {
	return func(c *TextToSpeechClient) { c.apiKey = apiKey }
}

func WithSpeakURL(speakURL string) TextToSpeechClientOption {
	return func(c *TextToSpeechClient) { c.speakURL = speakURL }
}

func WithVoice(voice Voice) TextToSpeechClientOption {
	return func(c *TextToSpeechClient) { c.voice = voice }
}

func NewTextToSpeechClient(opts ...TextToSpeechClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		speakURL: defaultSpeakURL,
		voice:    defaultVoice,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}

	if !slices.Contains(AvailableVoices(), client.voice) {
		return nil, fmt.Errorf("invalid voice %q", client.voice)
	}
	if client.apiKey == "" {
		client.apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if client.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}
	return client, nil
}

type websocketMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	closeMsg = websocketMessage{Type: "Close"}
)

func speakMsg(text string) websocketMessage {
	return websocketMessage{Type: "Speak", Text: text}
}

// Synthesize returns raw audio in the requested encoding. The text is sent
// once, flushed, and audio is collected until the server confirms the flush.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()
	span.SetAttributes(attribute.Int("request.text_length", len(text)))

	fail := func(err error) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	options := texttospeech.NewOptions(opts...)
	voice := c.voice
	if options.Voice != "" {
		voice = Voice(options.Voice)
	}

	conn, err := c.connect(ctx, voice, options.EncodingInfo)
	if err != nil {
		return fail(fmt.Errorf("failed to open websocket: %w", err))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, msg := range []websocketMessage{speakMsg(text), flushMsg} {
		if err := conn.WriteJSON(msg); err != nil {
			return fail(fmt.Errorf("failed to send %s to deepgram: %w", msg.Type, err))
		}
	}

	speech, err := readUntilFlushed(conn)
	if ctx.Err() != nil {
		return fail(fmt.Errorf("synthesis interrupted: %w", ctx.Err()))
	}
	if err != nil {
		return fail(err)
	}

	if err := conn.WriteJSON(closeMsg); err != nil {
		logger.Debug("failed to close deepgram speak stream", "error", err)
	}

	span.SetAttributes(attribute.Int("response.audio_bytes", len(speech)))
	return speech, nil
}

func (c *TextToSpeechClient) connect(ctx context.Context, voice Voice, encodingInfo audio.EncodingInfo) (*websocket.Conn, error) {
	speakURL, err := url.Parse(c.speakURL)
	if err != nil {
		return nil, fmt.Errorf("invalid speak url: %w", err)
	}

	urlValues := speakURL.Query()
	urlValues.Set("encoding", encodingInfo.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(encodingInfo.SampleRate))
	urlValues.Set("model", string(voice))
	urlValues.Set("container", "none")
	speakURL.RawQuery = urlValues.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, speakURL.String(),
		http.Header{"Authorization": {"token " + c.apiKey}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to open socket connection to deepgram (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

func readUntilFlushed(conn *websocket.Conn) ([]byte, error) {
	var speech []byte
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read deepgram message: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			speech = append(speech, msg...)
		case websocket.TextMessage:
			var parsedMsg struct {
				Type        string `json:"type"`
				ErrMsg      string `json:"err_msg"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(msg, &parsedMsg); err != nil {
				logger.Warn("failed to unmarshal deepgram message", "error", err)
				continue
			}

			switch parsedMsg.Type {
			case "Flushed":
				return speech, nil
			case "Error":
				return nil, fmt.Errorf("deepgram speak error: %s %s", parsedMsg.ErrMsg, parsedMsg.Description)
			}
		}
	}
}
