// Package audit keeps a redacted trail of every event in batches.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/koscakluka/ema-intake/core/events"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"
)

const (
	Group = "audit-logger"

	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultMaxBuffered   = 10_000
	defaultWorkers       = 4
	defaultWriteTimeout  = 10 * time.Second
)

var (
	ErrClosed = errors.New("audit logger closed")
	// ErrBufferFull is returned while the sink is behind; the event stays
	// pending on the bus and is redelivered.
	ErrBufferFull = errors.New("audit buffer full")
)

// Logger batches records and writes them to a Sink on a worker pool. An
// event is acknowledged once its record is buffered; records of a failed
// write go back to the buffer.
type Logger struct {
	sink Sink
	pool *ants.Pool

	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	writeTimeout  time.Duration

	mu       sync.Mutex
	pending  []Record
	buffered map[string]struct{}
	closed   bool

	inflight  sync.WaitGroup
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	written metric.Int64Counter
	dropped metric.Int64Counter
}

type Option func(*Logger)

func WithBatchSize(size int) Option {
	return func(l *Logger) { l.batchSize = size }
}

func WithFlushInterval(interval time.Duration) Option {
	return func(l *Logger) { l.flushInterval = interval }
}

// WithMaxBuffered caps records held in memory, written or waiting.
func WithMaxBuffered(n int) Option {
	return func(l *Logger) { l.maxBuffered = n }
}

func WithWriteTimeout(timeout time.Duration) Option {
	return func(l *Logger) { l.writeTimeout = timeout }
}

func New(sink Sink, workers int, opts ...Option) (*Logger, error) {
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(recovered any) {
		logger.Error("audit write panicked", "panic", recovered)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit pool: %w", err)
	}

	l := &Logger{
		sink:          sink,
		pool:          pool,
		batchSize:     defaultBatchSize,
		maxBuffered:   defaultMaxBuffered,
		flushInterval: defaultFlushInterval,
		writeTimeout:  defaultWriteTimeout,
		buffered:      make(map[string]struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.maxBuffered = max(l.maxBuffered, l.batchSize)

	if l.written, err = meter.Int64Counter("audit.records_written",
		metric.WithDescription("Audit records accepted by the sink"),
	); err != nil {
		logger.Warn("failed to create written counter", "error", err)
	}
	if l.dropped, err = meter.Int64Counter("audit.records_dropped",
		metric.WithDescription("Audit records dropped after failed writes"),
	); err != nil {
		logger.Warn("failed to create dropped counter", "error", err)
	}

	go l.loop()
	return l, nil
}

func (l *Logger) Group() string        { return Group }
func (l *Logger) Kinds() []events.Kind { return nil }

func (l *Logger) Handle(_ context.Context, ev events.Event) error {
	record, err := NewRecord(ev)
	if err != nil {
		// cannot succeed on redelivery either
		logger.Error("failed to build audit record", "event_id", ev.ID(), "error", err)
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if _, ok := l.buffered[record.EventID]; ok {
		l.mu.Unlock()
		return nil
	}
	if len(l.buffered) >= l.maxBuffered {
		l.mu.Unlock()
		return ErrBufferFull
	}
	l.pending = append(l.pending, record)
	l.buffered[record.EventID] = struct{}{}
	full := len(l.pending) >= l.batchSize
	l.mu.Unlock()

	if full {
		l.Flush()
	}
	return nil
}

// Flush hands every pending record to the pool in batches of BatchSize.
func (l *Logger) Flush() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for start := 0; start < len(pending); start += l.batchSize {
		batch := pending[start:min(start+l.batchSize, len(pending))]
		l.inflight.Add(1)
		if err := l.pool.Submit(func() {
			defer l.inflight.Done()
			l.write(batch)
		}); err != nil {
			l.inflight.Done()
			logger.Warn("failed to schedule audit write", "records", len(batch), "error", err)
			l.requeue(batch)
		}
	}
}

func (l *Logger) write(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	if err := l.sink.Write(ctx, batch); err != nil {
		logger.Warn("audit write failed", "records", len(batch), "error", err)
		l.requeue(batch)
		return
	}

	l.mu.Lock()
	for _, record := range batch {
		delete(l.buffered, record.EventID)
	}
	l.mu.Unlock()
	if l.written != nil {
		l.written.Add(ctx, int64(len(batch)))
	}
}

// requeue puts a failed batch back in front of newer records.
func (l *Logger) requeue(batch []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(batch[:len(batch):len(batch)], l.pending...)
}

func (l *Logger) loop() {
	defer close(l.done)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// Buffered counts records not yet accepted by the sink.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffered)
}

// Close flushes what is buffered and waits for writes to finish. Records
// still unwritten when ctx ends are reported as dropped.
func (l *Logger) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done

		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()

		l.Flush()
		waited := make(chan struct{})
		go func() {
			defer close(waited)
			l.inflight.Wait()
		}()
		select {
		case <-waited:
		case <-ctx.Done():
		}

		if remaining := l.Buffered(); remaining > 0 {
			if l.dropped != nil {
				l.dropped.Add(context.WithoutCancel(ctx), int64(remaining))
			}
			err = fmt.Errorf("%d audit records were not written", remaining)
		}
		l.pool.Release()
	})
	return err
}
