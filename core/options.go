package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-intake/core/audio"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/core/llms"
	"github.com/koscakluka/ema-intake/core/speechtotext"
	"github.com/koscakluka/ema-intake/core/texttospeech"
)

type OrchestratorOption func(*Orchestrator)

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, opts ...speechtotext.TranscriptionOption) (speechtotext.Transcription, error)
}

func WithTranscriber(client Transcriber) OrchestratorOption {
	return func(o *Orchestrator) { o.transcriber = client }
}

type Generator interface {
	Generate(ctx context.Context, text string, policy llms.Policy) (string, error)
}

func WithGenerator(client Generator) OrchestratorOption {
	return func(o *Orchestrator) { o.generator = client }
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts ...texttospeech.SynthesisOption) ([]byte, error)
}

func WithSynthesizer(client Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) { o.synthesizer = client }
}

// Publisher receives every event of a turn. The event bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

func WithPublisher(publisher Publisher) OrchestratorOption {
	return func(o *Orchestrator) { o.publisher = publisher }
}

func WithPolicy(policy llms.Policy) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithLatencyTarget sets the end-to-end duration above which a turn raises a
// performance alert.
func WithLatencyTarget(target time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.latencyTarget = target }
}

// WithAlertCooldown sets how long a latency alert for a tenant and dominant
// stage suppresses the next one. Zero alerts on every slow turn.
func WithAlertCooldown(cooldown time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.alertCooldown = cooldown }
}

// WithMinConfidence sets the transcription confidence below which a turn is
// treated as containing no speech.
func WithMinConfidence(confidence float64) OrchestratorOption {
	return func(o *Orchestrator) { o.minConfidence = confidence }
}

// WithStageTimeouts bounds each provider call. A zero duration keeps the
// default for that stage.
func WithStageTimeouts(transcribe, generate, synthesize time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if transcribe > 0 {
			o.transcribeTimeout = transcribe
		}
		if generate > 0 {
			o.generateTimeout = generate
		}
		if synthesize > 0 {
			o.synthesizeTimeout = synthesize
		}
	}
}

func WithInputEncoding(encodingInfo audio.EncodingInfo) OrchestratorOption {
	return func(o *Orchestrator) { o.inputEncoding = encodingInfo }
}

func WithOutputEncoding(encodingInfo audio.EncodingInfo) OrchestratorOption {
	return func(o *Orchestrator) { o.outputEncoding = encodingInfo }
}

// WithEmitterBuffer sets how many events may wait for publishing before new
// ones are dropped.
func WithEmitterBuffer(size int) OrchestratorOption {
	return func(o *Orchestrator) {
		if size > 0 {
			o.emitterBuffer = size
		}
	}
}

// WithPublishTimeout bounds a single publish from the emitter.
func WithPublishTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.publishTimeout = timeout }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}
