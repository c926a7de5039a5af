// Package performance tracks turn latency per tenant and stage and raises an
// alert when a tenant's rolling p95 misses the latency target.
package performance

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/koscakluka/ema-intake/core/consumers"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/koscakluka/ema-intake/internal/expiring"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	Group = "performance-monitor"

	// StageEndToEnd labels the whole turn, from session_started to
	// session_completed.
	StageEndToEnd = "end_to_end"

	defaultTarget     = 100 * time.Millisecond
	defaultWindowSize = 100
	defaultMinSamples = 1
	defaultCooldown   = 5 * time.Minute
	defaultSeenTTL    = time.Hour
	startedTTL        = 10 * time.Minute
)

var stages = []string{events.StageTranscribe, events.StageGenerate, events.StageSynthesize}

type windowKey struct {
	tenant string
	stage  string
}

type Monitor struct {
	publisher consumers.Publisher

	target     time.Duration
	windowSize int
	minSamples int
	cooldown   time.Duration

	mu      sync.Mutex
	windows map[windowKey]*window

	started *expiring.Cache[string, time.Time]
	seen    *expiring.Cache[string, struct{}]
	alerted *expiring.Cache[string, struct{}]

	latency *prometheus.HistogramVec
	turns   *prometheus.CounterVec
	alerts  *prometheus.CounterVec
}

type Option func(*options)

type options struct {
	target     time.Duration
	windowSize int
	minSamples int
	cooldown   time.Duration
	registerer prometheus.Registerer
	clock      func() time.Time
}

func WithTarget(target time.Duration) Option {
	return func(o *options) { o.target = target }
}

// WithWindow sets how many recent turns the p95 is computed over and how many
// must be seen before the monitor alerts.
func WithWindow(size, minSamples int) Option {
	return func(o *options) {
		o.windowSize = size
		o.minSamples = minSamples
	}
}

// WithCooldown sets how long an alert for a tenant and bucket suppresses the
// next one.
func WithCooldown(cooldown time.Duration) Option {
	return func(o *options) { o.cooldown = cooldown }
}

func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) { o.registerer = registerer }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

func New(publisher consumers.Publisher, opts ...Option) *Monitor {
	o := options{
		target:     defaultTarget,
		windowSize: defaultWindowSize,
		minSamples: defaultMinSamples,
		cooldown:   defaultCooldown,
		registerer: prometheus.DefaultRegisterer,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Monitor{
		publisher:  publisher,
		target:     o.target,
		windowSize: max(o.windowSize, 1),
		minSamples: max(o.minSamples, 1),
		cooldown:   o.cooldown,
		windows:    make(map[windowKey]*window),
		started:    expiring.New[string, time.Time](expiring.WithClock(o.clock)),
		seen:       expiring.New[string, struct{}](expiring.WithClock(o.clock)),
		alerted:    expiring.New[string, struct{}](expiring.WithClock(o.clock)),
	}

	m.latency = register(o.registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ema",
		Subsystem: "turn",
		Name:      "stage_latency_seconds",
		Help:      "Latency of each turn stage and of the whole turn.",
		Buckets:   []float64{.025, .05, .1, .15, .25, .5, 1, 2.5, 5, 10},
	}, []string{"tenant", "stage"}))
	m.turns = register(o.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ema",
		Subsystem: "turn",
		Name:      "completed_total",
		Help:      "Completed turns by outcome.",
	}, []string{"tenant", "outcome"}))
	m.alerts = register(o.registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ema",
		Subsystem: "turn",
		Name:      "latency_alerts_total",
		Help:      "Latency alerts raised by the performance monitor.",
	}, []string{"tenant", "bucket"}))
	return m
}

// register returns the collector already registered under the same name, if
// any, so several monitors can share one registry.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		logger.Warn("failed to register collector", "error", err)
	}
	return collector
}

func (m *Monitor) Group() string { return Group }

func (m *Monitor) Kinds() []events.Kind {
	return []events.Kind{
		events.KindSessionStarted,
		events.KindTranscribed,
		events.KindGenerated,
		events.KindSynthesized,
		events.KindSessionCompleted,
	}
}

func (m *Monitor) Handle(ctx context.Context, ev events.Event) error {
	// redelivered events would skew the windows
	if !m.seen.SetIfAbsent(ev.ID(), struct{}{}, defaultSeenTTL) {
		return nil
	}

	tenant := ev.TenantID()
	switch p := ev.Payload().(type) {
	case events.SessionStarted:
		if ev.CorrelationID() != "" {
			m.started.Set(ev.CorrelationID(), ev.Timestamp(), startedTTL)
		}
	case events.Transcribed:
		m.observe(tenant, events.StageTranscribe, milliseconds(p.DurationMS))
	case events.Generated:
		if !p.Redirected {
			m.observe(tenant, events.StageGenerate, milliseconds(p.DurationMS))
		}
	case events.Synthesized:
		m.observe(tenant, events.StageSynthesize, milliseconds(p.DurationMS))
	case events.SessionCompleted:
		m.complete(ctx, ev, p)
	}
	return nil
}

func (m *Monitor) complete(ctx context.Context, ev events.Event, p events.SessionCompleted) {
	ctx, span := tracer.Start(ctx, "observe turn", trace.WithAttributes(
		attribute.String("tenant.id", ev.TenantID()),
		attribute.String("turn.outcome", string(p.Outcome)),
	))
	defer span.End()

	tenant := ev.TenantID()
	total := milliseconds(p.TotalMS)
	if started, ok := m.started.Take(ev.CorrelationID()); ok {
		if elapsed := ev.Timestamp().Sub(started); elapsed > 0 {
			total = elapsed
		}
	}
	m.turns.WithLabelValues(tenant, string(p.Outcome)).Inc()
	m.observe(tenant, StageEndToEnd, total)

	p95, samples := m.percentile(tenant, StageEndToEnd)
	span.SetAttributes(attribute.Int64("turn.p95_ms", p95.Milliseconds()))
	if samples < m.minSamples || p95 <= m.target {
		return
	}

	bucket := bucketFor(p95, m.target)
	key := tenant + "/" + bucket
	if !m.alerted.SetIfAbsent(key, struct{}{}, m.cooldown) {
		return
	}

	stageP95 := make(map[string]time.Duration, len(stages))
	dominant := ""
	for _, stage := range stages {
		stageP95[stage], _ = m.percentile(tenant, stage)
		if stageP95[stage] > 0 && (dominant == "" || stageP95[stage] > stageP95[dominant]) {
			dominant = stage
		}
	}

	alert, err := consumers.Derive(ev, events.PerformanceAlert{
		DominantStage: dominant,
		TotalMS:       p95.Milliseconds(),
		TargetMS:      m.target.Milliseconds(),
		TranscribeMS:  stageP95[events.StageTranscribe].Milliseconds(),
		GenerateMS:    stageP95[events.StageGenerate].Milliseconds(),
		SynthesizeMS:  stageP95[events.StageSynthesize].Milliseconds(),
		Bucket:        bucket,
		Source:        events.SourceMonitor,
	}, events.WithMetadata("window_samples", strconv.Itoa(samples)))
	if err == nil {
		err = m.publisher.Publish(ctx, alert)
	}
	if err != nil {
		// the next breach retries
		m.alerted.Delete(key)
		span.RecordError(err)
		logger.Warn("failed to raise latency alert", "tenant_id", tenant, "bucket", bucket, "error", err)
		return
	}

	m.alerts.WithLabelValues(tenant, bucket).Inc()
	logger.Info("latency target missed",
		"tenant_id", tenant,
		"p95_ms", p95.Milliseconds(),
		"target_ms", m.target.Milliseconds(),
		"dominant_stage", dominant)
}

func (m *Monitor) observe(tenant, stage string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.latency.WithLabelValues(tenant, stage).Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	key := windowKey{tenant: tenant, stage: stage}
	w, ok := m.windows[key]
	if !ok {
		w = newWindow(m.windowSize)
		m.windows[key] = w
	}
	w.add(d)
}

// Percentile95 reports a tenant's rolling p95 for a stage and how many
// samples it covers.
func (m *Monitor) Percentile95(tenant, stage string) (time.Duration, int) {
	return m.percentile(tenant, stage)
}

func (m *Monitor) percentile(tenant, stage string) (time.Duration, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[windowKey{tenant: tenant, stage: stage}]
	if !ok {
		return 0, 0
	}
	return w.percentile(95), w.len()
}

// bucketFor groups a latency by how many times over target it is, so a
// worsening tenant alerts again before the cooldown ends.
func bucketFor(d, target time.Duration) string {
	switch ratio := float64(d) / float64(target); {
	case ratio <= 2:
		return "over_1x"
	case ratio <= 5:
		return "over_2x"
	case ratio <= 10:
		return "over_5x"
	}
	return "over_10x"
}

func milliseconds(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
