package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/koscakluka/ema-intake/core/events"
)

// eventEmitter publishes events in the order they were emitted without ever
// blocking the caller. Events that do not fit the queue are dropped.
type eventEmitter struct {
	publisher Publisher
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan events.Event
	done   chan struct{}
}

func newEventEmitter(publisher Publisher, size int, timeout time.Duration) *eventEmitter {
	e := &eventEmitter{
		publisher: publisher,
		timeout:   timeout,
		queue:     make(chan events.Event, size),
		done:      make(chan struct{}),
	}
	go e.drain()
	return e
}

func (e *eventEmitter) emit(ev events.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		logger.Warn("dropping event emitted after close", "kind", ev.Kind(), "correlation_id", ev.CorrelationID())
		return
	}

	select {
	case e.queue <- ev:
	default:
		logger.Warn("event queue full, dropping event", "kind", ev.Kind(), "correlation_id", ev.CorrelationID())
	}
}

func (e *eventEmitter) drain() {
	defer close(e.done)

	for ev := range e.queue {
		if e.publisher == nil {
			continue
		}

		ctx, cancel := context.Background(), func() {}
		if e.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			logger.Warn("failed to publish event",
				"kind", ev.Kind(),
				"correlation_id", ev.CorrelationID(),
				"error", err)
		}
		cancel()
	}
}

// close stops accepting events and waits until the queued ones are published
// or ctx is done.
func (e *eventEmitter) close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
