// Package eventbus publishes events to tenant-partitioned streams and delivers
// them to consumer groups with at-least-once semantics.
//
// Every event is appended to its tenant stream, events:{tenant_id}, and to the
// global stream, events:global. A subscriber reads one of those streams as a
// member of a named group; each entry goes to one member of the group and is
// redelivered until a handler accepts it.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-intake/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	GlobalStream = "events:" + events.ReservedTenantID

	defaultTenantMaxLen = 10_000
	defaultGlobalMaxLen = 100_000
	defaultBlock        = time.Second
	defaultClaimMinIdle = 5 * time.Second
	defaultBatchSize    = 32
	defaultRetryBase    = 100 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
)

var ErrClosed = errors.New("event bus closed")

// TenantStream returns the stream key holding a single tenant's events.
func TenantStream(tenantID string) string { return "events:" + tenantID }

type Bus struct {
	streams Streams

	tenantMaxLen int64
	globalMaxLen int64
	block        time.Duration
	claimMinIdle time.Duration
	batchSize    int64
	retryBase    time.Duration
	retryMax     time.Duration

	mu      sync.Mutex
	closed  bool
	workers map[*Worker]struct{}

	published metric.Int64Counter
}

type BusOption func(*Bus)

// WithRetention caps how many entries each tenant stream and the global
// stream keep; the oldest entries are trimmed first.
func WithRetention(tenantMaxLen, globalMaxLen int64) BusOption {
	return func(b *Bus) {
		b.tenantMaxLen = tenantMaxLen
		b.globalMaxLen = globalMaxLen
	}
}

// WithBlock bounds how long a read waits for new entries, and so how quickly
// a worker notices it was stopped.
func WithBlock(block time.Duration) BusOption {
	return func(b *Bus) { b.block = block }
}

// WithClaimMinIdle sets how long an unacknowledged entry stays with its
// consumer before another read cycle may claim it.
func WithClaimMinIdle(minIdle time.Duration) BusOption {
	return func(b *Bus) { b.claimMinIdle = minIdle }
}

func WithBatchSize(size int64) BusOption {
	return func(b *Bus) { b.batchSize = size }
}

// WithRestartBackoff sets the capped exponential backoff used to restart a
// failed read loop.
func WithRestartBackoff(base, max time.Duration) BusOption {
	return func(b *Bus) {
		b.retryBase = base
		b.retryMax = max
	}
}

func New(streams Streams, opts ...BusOption) *Bus {
	b := &Bus{
		streams:      streams,
		tenantMaxLen: defaultTenantMaxLen,
		globalMaxLen: defaultGlobalMaxLen,
		block:        defaultBlock,
		claimMinIdle: defaultClaimMinIdle,
		batchSize:    defaultBatchSize,
		retryBase:    defaultRetryBase,
		retryMax:     defaultRetryMax,
		workers:      make(map[*Worker]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	if b.published, err = meter.Int64Counter("eventbus.published",
		metric.WithDescription("Events appended to the bus"),
	); err != nil {
		logger.Warn("failed to create published counter", "error", err)
	}
	return b
}

// Publish appends ev to its tenant stream and to the global stream. A failed
// append is returned to the caller and never retried here.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	ctx, span := tracer.Start(ctx, "publish event", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind())),
		attribute.String("event.tenant_id", ev.TenantID()),
	))
	defer span.End()

	if b.isClosed() {
		return ErrClosed
	}

	fields, err := events.Encode(ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode event")
		return err
	}

	err = b.streams.Append(ctx, fields,
		Target{Stream: TenantStream(ev.TenantID()), MaxLen: b.tenantMaxLen},
		Target{Stream: GlobalStream, MaxLen: b.globalMaxLen},
	)
	if err != nil {
		err = fmt.Errorf("failed to publish %s event: %w", ev.Kind(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish event")
		return err
	}

	if b.published != nil {
		b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event.kind", string(ev.Kind()))))
	}
	return nil
}

// StreamInfo reports depth and per-group backlog of the global stream and,
// when tenantID is set, of that tenant's stream.
func (b *Bus) StreamInfo(ctx context.Context, tenantID string) ([]StreamInfo, error) {
	streams := []string{GlobalStream}
	if tenantID != "" {
		if err := events.ValidateTenantID(tenantID); err != nil {
			return nil, err
		}
		streams = []string{TenantStream(tenantID), GlobalStream}
	}

	infos := make([]StreamInfo, 0, len(streams))
	for _, stream := range streams {
		info, err := b.streams.Info(ctx, stream)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Close stops every worker, waits for them to exit and closes the backend.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	workers := make([]*Worker, 0, len(b.workers))
	for w := range b.workers {
		workers = append(workers, w)
	}
	b.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}
	return b.streams.Close()
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) register(w *Worker) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.workers[w] = struct{}{}
	return nil
}

func (b *Bus) unregister(w *Worker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, w)
}
