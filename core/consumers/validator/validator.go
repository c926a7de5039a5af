// Package validator re-checks turns in the background with the full
// compliance rule set and flags what the live checks could not afford to.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koscakluka/ema-intake/core/compliance"
	"github.com/koscakluka/ema-intake/core/consumers"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/internal/expiring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	Group = "compliance-validator"

	defaultSeenTTL       = time.Hour
	defaultAssessTimeout = 10 * time.Second
)

type Validator struct {
	publisher consumers.Publisher
	request   compliance.Classifier
	response  compliance.Classifier
	assessor  compliance.Assessor

	assessTimeout time.Duration
	seenTTL       time.Duration
	seen          *expiring.Cache[string, struct{}]

	flags metric.Int64Counter
}

type Option func(*options)

type options struct {
	assessor      compliance.Assessor
	assessTimeout time.Duration
	seenTTL       time.Duration
	clock         func() time.Time
}

// WithAssessor adds a model-backed check of generated text.
func WithAssessor(assessor compliance.Assessor) Option {
	return func(o *options) { o.assessor = assessor }
}

func WithAssessTimeout(timeout time.Duration) Option {
	return func(o *options) { o.assessTimeout = timeout }
}

// WithSeenTTL sets how long a flagged finding suppresses repeats of itself.
// It should outlive the bus's redelivery window.
func WithSeenTTL(ttl time.Duration) Option {
	return func(o *options) { o.seenTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

func New(publisher consumers.Publisher, opts ...Option) *Validator {
	o := options{
		assessTimeout: defaultAssessTimeout,
		seenTTL:       defaultSeenTTL,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	v := &Validator{
		publisher:     publisher,
		request:       compliance.DeepRequest(),
		response:      compliance.DeepResponse(),
		assessor:      o.assessor,
		assessTimeout: o.assessTimeout,
		seenTTL:       o.seenTTL,
		seen:          expiring.New[string, struct{}](expiring.WithClock(o.clock)),
	}

	var err error
	if v.flags, err = meter.Int64Counter("compliance.async_flags",
		metric.WithDescription("Compliance flags raised by the background validator"),
	); err != nil {
		logger.Warn("failed to create flags counter", "error", err)
	}
	return v
}

func (v *Validator) Group() string { return Group }

func (v *Validator) Kinds() []events.Kind {
	return []events.Kind{events.KindTranscribed, events.KindGenerated, events.KindSessionCompleted}
}

// Handle scans the text an event carries. Findings of inline rules are
// skipped, the live path has already flagged them.
func (v *Validator) Handle(ctx context.Context, ev events.Event) error {
	ctx, span := tracer.Start(ctx, "validate turn", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind())),
		attribute.String("event.id", ev.ID()),
	))
	defer span.End()

	var findings []compliance.Finding
	switch p := ev.Payload().(type) {
	case events.Transcribed:
		findings = v.request.Scan(p.Text)
	case events.Generated:
		// the redirect is fixed text
		if p.Redirected {
			return nil
		}
		findings = v.response.Scan(p.Text)
		if finding, ok := v.assess(ctx, p.Text); ok {
			findings = append(findings, finding)
		}
	case events.SessionCompleted:
		findings = append(v.request.Scan(p.Transcript), v.response.Scan(p.Response)...)
	default:
		return nil
	}

	var errs []error
	for _, finding := range findings {
		if finding.Tier != compliance.TierDeep {
			continue
		}
		if err := v.flag(ctx, ev, finding); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish compliance flag")
		return err
	}
	return nil
}

func (v *Validator) assess(ctx context.Context, text string) (compliance.Finding, bool) {
	if v.assessor == nil || text == "" {
		return compliance.Finding{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, v.assessTimeout)
	defer cancel()
	assessment, err := v.assessor.Assess(ctx, text)
	if err != nil {
		logger.Warn("compliance assessment failed", "error", err)
		return compliance.Finding{}, false
	}
	return assessment.Finding()
}

// flag publishes one finding unless the same turn already produced it.
// transcribed and session_completed carry the same words, so the key is the
// turn rather than the event.
func (v *Validator) flag(ctx context.Context, ev events.Event, finding compliance.Finding) error {
	turn := ev.CorrelationID()
	if turn == "" {
		turn = ev.ID()
	}
	key := turn + "/" + finding.Name
	if _, seen := v.seen.Get(key); seen {
		return nil
	}

	flag, err := consumers.Derive(ev, events.ComplianceFlag{
		ViolationType:  finding.ViolationType,
		Severity:       finding.Severity,
		MatchedPattern: finding.Match,
		Stage:          events.StageAsync,
		Source:         events.SourceValidator,
		SourceEventID:  ev.ID(),
	}, events.WithMetadata("rule", finding.Name))
	if err != nil {
		return fmt.Errorf("failed to build compliance flag: %w", err)
	}
	if err := v.publisher.Publish(ctx, flag); err != nil {
		return fmt.Errorf("failed to publish %s flag: %w", finding.Name, err)
	}

	v.seen.Set(key, struct{}{}, v.seenTTL)
	if v.flags != nil {
		v.flags.Add(ctx, 1, metric.WithAttributes(
			attribute.String("violation_type", finding.ViolationType),
			attribute.String("severity", string(finding.Severity)),
		))
	}
	logger.Info("flagged turn",
		"tenant_id", ev.TenantID(),
		"session_id", ev.SessionID(),
		"rule", finding.Name,
		"severity", finding.Severity)
	return nil
}
