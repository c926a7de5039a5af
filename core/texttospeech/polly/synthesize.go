// Package polly synthesizes speech with Amazon Polly.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/koscakluka/ema-intake/core/audio"
	"github.com/koscakluka/ema-intake/core/texttospeech"
	"github.com/koscakluka/ema-intake/internal/utils"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/koscakluka/ema-intake/core/texttospeech/polly"

var (
	tracer = otel.Tracer(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	// ErrThrottled means Polly refused the request for rate reasons.
	ErrThrottled = errors.New("polly throttled the request")
	// ErrRejected means the request itself was invalid and retrying cannot help.
	ErrRejected = errors.New("polly rejected the request")
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region  string
	VoiceID string
	Engine  string
}

func ConfigFromEnv() Config {
	return Config{
		Region:  defaultString(os.Getenv("EMA_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
		VoiceID: defaultString(os.Getenv("EMA_POLLY_VOICE"), "Joanna"),
		Engine:  defaultString(os.Getenv("EMA_POLLY_ENGINE"), "neural"),
	}
}

type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func NewSynthesizer(cfg Config) *Synthesizer {
	return NewSynthesizerWithClient(cfg, nil)
}

// NewSynthesizerWithClient uses client instead of one built from the default
// AWS configuration chain.
func NewSynthesizerWithClient(cfg Config, client synthClient) *Synthesizer {
	cfg.Region = defaultString(cfg.Region, "us-east-1")
	cfg.VoiceID = defaultString(cfg.VoiceID, "Joanna")
	cfg.Engine = defaultString(cfg.Engine, "neural")
	return &Synthesizer{client: client, cfg: cfg}
}

// Synthesize returns raw 16-bit PCM. Polly only produces linear16 at 8 or
// 16 kHz, other encodings are refused.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize speech")
	defer span.End()

	fail := func(err error) ([]byte, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	options := texttospeech.NewOptions(opts...)
	if options.EncodingInfo.Format != audio.FormatLinear16 ||
		(options.EncodingInfo.SampleRate != 8000 && options.EncodingInfo.SampleRate != 16000) {
		return fail(fmt.Errorf("%w: unsupported encoding %s at %d Hz", ErrRejected,
			options.EncodingInfo.Format, options.EncodingInfo.SampleRate))
	}

	client, err := s.resolveClient(ctx)
	if err != nil {
		return fail(err)
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	voice := defaultString(options.Voice, s.cfg.VoiceID)
	span.SetAttributes(attribute.String("request.voice", voice), attribute.Int("request.text_length", len(text)))

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   utils.Ptr(strconv.Itoa(options.EncodingInfo.SampleRate)),
		Text:         utils.Ptr(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return fail(normalizePollyError(err))
	}
	if output == nil || output.AudioStream == nil {
		return fail(errors.New("polly returned no audio"))
	}
	defer output.AudioStream.Close()

	speech, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return fail(fmt.Errorf("failed to read polly audio: %w", err))
	}
	span.SetAttributes(attribute.Int("response.audio_bytes", len(speech)))
	return speech, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return fmt.Errorf("%w: %s", ErrThrottled, apiErr.ErrorMessage())
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
			"InvalidSampleRateException", "EngineNotSupportedException":
			return fmt.Errorf("%w: %s", ErrRejected, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("polly synthesis failed: %w", err)
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	logger.Info("created polly client", "region", s.cfg.Region)
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
