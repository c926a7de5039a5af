package orchestration

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-intake/core/audio"
	"github.com/koscakluka/ema-intake/core/compliance"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/core/llms"
	"github.com/koscakluka/ema-intake/core/speechtotext"
	"github.com/koscakluka/ema-intake/core/texttospeech"
	"github.com/koscakluka/ema-intake/internal/expiring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLatencyTarget     = 100 * time.Millisecond
	defaultMinConfidence     = 0.35
	defaultTranscribeTimeout = 5 * time.Second
	defaultGenerateTimeout   = 8 * time.Second
	defaultSynthesizeTimeout = 5 * time.Second
	defaultEmitterBuffer     = 256
	defaultPublishTimeout    = 2 * time.Second
	defaultAlertCooldown     = 5 * time.Minute
)

const (
	// NotUnderstoodResponse is returned when transcription fails. It is never
	// synthesized.
	NotUnderstoodResponse = "I'm sorry, I couldn't understand that. Could you please repeat it?"
	// FallbackResponse replaces a failed generation.
	FallbackResponse = "I'm sorry, I'm having trouble right now. Someone from our office will call you back shortly."
)

var errNoProvider = errors.New("provider not configured")

// Orchestrator runs turns through transcription, compliance checks,
// generation and synthesis. It is safe for concurrent use by many sessions.
type Orchestrator struct {
	transcriber Transcriber
	generator   Generator
	synthesizer Synthesizer
	publisher   Publisher

	policy         llms.Policy
	preCheck       compliance.Classifier
	postCheck      compliance.Classifier
	inputEncoding  audio.EncodingInfo
	outputEncoding audio.EncodingInfo

	latencyTarget     time.Duration
	minConfidence     float64
	transcribeTimeout time.Duration
	generateTimeout   time.Duration
	synthesizeTimeout time.Duration
	emitterBuffer     int
	publishTimeout    time.Duration
	alertCooldown     time.Duration
	now               func() time.Time

	// alerted holds tenant/stage keys that alerted within the cooldown.
	alerted   *expiring.Cache[string, struct{}]
	emitter   *eventEmitter
	closeOnce sync.Once

	turnDuration metric.Float64Histogram
	fallbacks    metric.Int64Counter
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		policy:            llms.ReceptionistPolicy(""),
		preCheck:          compliance.InlineRequest(),
		postCheck:         compliance.InlineResponse(),
		inputEncoding:     audio.DefaultEncodingInfo(),
		outputEncoding:    audio.DefaultEncodingInfo(),
		latencyTarget:     defaultLatencyTarget,
		minConfidence:     defaultMinConfidence,
		transcribeTimeout: defaultTranscribeTimeout,
		generateTimeout:   defaultGenerateTimeout,
		synthesizeTimeout: defaultSynthesizeTimeout,
		emitterBuffer:     defaultEmitterBuffer,
		publishTimeout:    defaultPublishTimeout,
		alertCooldown:     defaultAlertCooldown,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.alerted = expiring.New[string, struct{}](expiring.WithClock(o.now))
	o.emitter = newEventEmitter(o.publisher, o.emitterBuffer, o.publishTimeout)

	var err error
	if o.turnDuration, err = meter.Float64Histogram("orchestration.turn.duration",
		metric.WithDescription("End-to-end turn duration"),
		metric.WithUnit("ms"),
	); err != nil {
		logger.Warn("failed to create turn duration histogram", "error", err)
	}
	if o.fallbacks, err = meter.Int64Counter("orchestration.fallbacks",
		metric.WithDescription("Stage failures replaced by a fallback"),
	); err != nil {
		logger.Warn("failed to create fallback counter", "error", err)
	}
	return o
}

// Close waits for queued events to be published. Turns processed after Close
// still return responses but their events are dropped.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closeOnce.Do(func() { err = o.emitter.close(ctx) })
	return err
}

func (o *Orchestrator) LatencyTarget() time.Duration       { return o.latencyTarget }
func (o *Orchestrator) OutputEncoding() audio.EncodingInfo { return o.outputEncoding }

// ProcessTurn runs one turn to completion. It never fails: every provider
// failure is replaced by a fallback response and reported as an error event.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req TurnRequest) *Turn {
	turn := &Turn{
		SessionID:     req.SessionID,
		TenantID:      req.TenantID,
		UserID:        req.UserID,
		CorrelationID: uuid.NewString(),
		Sequence:      req.Sequence,
		Outcome:       events.OutcomeCompleted,
		Started:       o.now(),
	}

	ctx, span := tracer.Start(ctx, "process turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("turn.correlation_id", turn.CorrelationID),
		attribute.Int("turn.sequence", req.Sequence),
	))
	defer span.End()

	emit := o.turnEmitter(turn)
	emit(events.SessionStarted{TurnSequence: req.Sequence, AudioBytes: len(req.Audio)})

	o.run(ctx, turn, req.Audio, emit)

	turn.Completed = o.now()
	emit(events.SessionCompleted{
		TurnSequence:       turn.Sequence,
		Outcome:            turn.Outcome,
		Transcript:         turn.Transcript,
		Response:           turn.Response,
		RequiresEscalation: turn.RequiresEscalation,
		TotalMS:            milliseconds(turn.Total()),
	})

	if o.shouldAlert(turn) {
		emit(events.PerformanceAlert{
			DominantStage: turn.DominantStage(),
			TotalMS:       milliseconds(turn.Total()),
			TargetMS:      milliseconds(o.latencyTarget),
			TranscribeMS:  milliseconds(turn.StageDuration(events.StageTranscribe)),
			GenerateMS:    milliseconds(turn.StageDuration(events.StageGenerate)),
			SynthesizeMS:  milliseconds(turn.StageDuration(events.StageSynthesize)),
			Source:        events.SourceOrchestrator,
		})
	}

	if o.turnDuration != nil {
		o.turnDuration.Record(ctx, float64(turn.Total().Microseconds())/1000,
			metric.WithAttributes(attribute.String("turn.outcome", string(turn.Outcome))))
	}
	span.SetAttributes(
		attribute.String("turn.outcome", string(turn.Outcome)),
		attribute.Bool("turn.requires_escalation", turn.RequiresEscalation),
	)
	if turn.Err != nil {
		span.RecordError(turn.Err)
		span.SetStatus(codes.Error, turn.Err.Error())
	}
	return turn
}

// shouldAlert reports whether a slow turn raises an alert. A tenant alerts at
// most once per dominant stage within the cooldown.
func (o *Orchestrator) shouldAlert(turn *Turn) bool {
	if o.latencyTarget <= 0 || turn.Total() <= o.latencyTarget {
		return false
	}
	if o.alertCooldown <= 0 {
		return true
	}
	return o.alerted.SetIfAbsent(turn.TenantID+"/"+turn.DominantStage(), struct{}{}, o.alertCooldown)
}

func (o *Orchestrator) run(ctx context.Context, turn *Turn, input []byte, emit func(events.Payload)) {
	transcription, err := runStage(ctx, o, turn, events.StageTranscribe, o.transcribeTimeout,
		func(ctx context.Context) (speechtotext.Transcription, error) {
			if o.transcriber == nil {
				return speechtotext.Transcription{}, errNoProvider
			}
			return o.transcriber.Transcribe(ctx, input, speechtotext.WithEncodingInfo(o.inputEncoding))
		})
	if err != nil {
		o.fail(ctx, turn, emit, events.StageTranscribe, err, NotUnderstoodResponse)
		turn.Response = NotUnderstoodResponse
		turn.Outcome = events.OutcomeFallback
		return
	}

	turn.Transcript = strings.TrimSpace(transcription.Text)
	turn.Confidence = transcription.Confidence
	turn.Language = transcription.Language
	noSpeech := turn.Transcript == "" || turn.Confidence < o.minConfidence
	emit(events.Transcribed{
		Text:       turn.Transcript,
		Confidence: min(max(turn.Confidence, 0), 1),
		Language:   turn.Language,
		NoSpeech:   noSpeech,
		DurationMS: milliseconds(turn.StageDuration(events.StageTranscribe)),
	})
	if noSpeech {
		turn.Outcome = events.OutcomeNoSpeech
		return
	}

	turn.RequiresEscalation = compliance.RequiresEscalation(turn.Transcript)

	if finding, ok := o.preCheck.First(turn.Transcript); ok {
		turn.RequiresEscalation = true
		turn.Outcome = events.OutcomeRedirected
		turn.Response = compliance.RedirectResponse
		o.flag(turn, emit, finding, events.StagePreCheck)
		emit(events.Generated{Text: turn.Response, Redirected: true})
	} else {
		o.generate(ctx, turn, emit)
	}

	output, err := runStage(ctx, o, turn, events.StageSynthesize, o.synthesizeTimeout,
		func(ctx context.Context) ([]byte, error) {
			if o.synthesizer == nil {
				return nil, errNoProvider
			}
			return o.synthesizer.Synthesize(ctx, turn.Response, texttospeech.WithEncodingInfo(o.outputEncoding))
		})
	if err != nil {
		o.fail(ctx, turn, emit, events.StageSynthesize, err, "")
		if turn.Outcome == events.OutcomeCompleted {
			turn.Outcome = events.OutcomeFallback
		}
		return
	}

	turn.Audio = output
	emit(events.Synthesized{
		AudioBytes: len(output),
		DurationMS: milliseconds(turn.StageDuration(events.StageSynthesize)),
	})
}

func (o *Orchestrator) generate(ctx context.Context, turn *Turn, emit func(events.Payload)) {
	response, err := runStage(ctx, o, turn, events.StageGenerate, o.generateTimeout,
		func(ctx context.Context) (string, error) {
			if o.generator == nil {
				return "", errNoProvider
			}
			return o.generator.Generate(ctx, turn.Transcript, o.policy)
		})
	if response = strings.TrimSpace(response); err == nil && response == "" {
		err = errors.New("generation returned an empty response")
	}
	if err != nil {
		o.fail(ctx, turn, emit, events.StageGenerate, err, FallbackResponse)
		turn.Response = FallbackResponse
		turn.Outcome = events.OutcomeFallback
		return
	}

	turn.Response = response
	finding, flagged := o.postCheck.First(response)
	emit(events.Generated{
		Text:          response,
		AdviceFlagged: flagged,
		DurationMS:    milliseconds(turn.StageDuration(events.StageGenerate)),
	})
	if flagged {
		o.flag(turn, emit, finding, events.StagePostCheck)
	}
}

func (o *Orchestrator) flag(turn *Turn, emit func(events.Payload), finding compliance.Finding, stage string) {
	turn.Flags = append(turn.Flags, finding.ViolationType)
	emit(events.ComplianceFlag{
		ViolationType:  finding.ViolationType,
		Severity:       finding.Severity,
		MatchedPattern: finding.Match,
		Stage:          stage,
		Source:         events.SourceOrchestrator,
	})
}

func (o *Orchestrator) fail(ctx context.Context, turn *Turn, emit func(events.Payload), stage string, err error, fallback string) {
	logger.Warn("turn stage failed, falling back",
		"stage", stage,
		"session_id", turn.SessionID,
		"correlation_id", turn.CorrelationID,
		"error", err)

	turn.Err = errors.Join(turn.Err, err)
	emit(events.Error{Stage: stage, Message: err.Error(), Fallback: fallback})
	if o.fallbacks != nil {
		o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("turn.stage", stage)))
	}
}

// turnEmitter builds events that share the turn's session, tenant and
// correlation id.
func (o *Orchestrator) turnEmitter(turn *Turn) func(events.Payload) {
	return func(payload events.Payload) {
		ev, err := events.New(payload,
			events.WithSession(turn.SessionID),
			events.WithTenant(turn.TenantID),
			events.WithUser(turn.UserID),
			events.WithCorrelation(turn.CorrelationID),
			events.WithTimestamp(o.now()),
			events.WithMetadata("turn_sequence", strconv.Itoa(turn.Sequence)),
		)
		if err != nil {
			logger.Warn("failed to build turn event",
				"kind", payload.Kind(),
				"correlation_id", turn.CorrelationID,
				"error", err)
			return
		}
		o.emitter.emit(ev)
	}
}

func runStage[T any](ctx context.Context, o *Orchestrator, turn *Turn, stage string, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, stage)
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := o.now()
	value, err := callBounded(ctx, stage, call)
	turn.Timings = append(turn.Timings, StageTiming{Stage: stage, Start: start, End: o.now()})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}
