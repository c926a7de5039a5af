package eventbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/koscakluka/ema-intake/core/events"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one delivered event. Returning an error leaves the entry
// pending so it is redelivered; handlers must therefore be idempotent.
type Handler func(ctx context.Context, ev events.Event) error

type Subscription struct {
	// Kinds limits which events reach the handler. Empty means every kind.
	Kinds    []events.Kind
	Group    string
	Consumer string
	// Tenant selects a tenant stream instead of the global stream.
	Tenant string
}

func (s Subscription) stream() string {
	if s.Tenant == "" {
		return GlobalStream
	}
	return TenantStream(s.Tenant)
}

// Delivery reports the outcome of handing one entry to the handler.
type Delivery struct {
	EntryID string
	Event   events.Event
	Err     error
	Acked   bool
}

const resultsBuffer = 64

// Worker is the supervised read loop of one subscription.
type Worker struct {
	bus     *Bus
	sub     Subscription
	stream  string
	handler Handler

	results chan Delivery
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// Subscribe creates the group if needed and starts a worker that keeps
// delivering entries until ctx ends, Stop is called or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, sub Subscription, handler Handler) (*Worker, error) {
	if sub.Group == "" || sub.Consumer == "" {
		return nil, errors.New("subscription needs a group and a consumer name")
	}
	if handler == nil {
		return nil, errors.New("subscription needs a handler")
	}
	if sub.Tenant != "" {
		if err := events.ValidateTenantID(sub.Tenant); err != nil {
			return nil, err
		}
	}

	stream := sub.stream()
	if err := b.streams.EnsureGroup(ctx, stream, sub.Group); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		bus:     b,
		sub:     sub,
		stream:  stream,
		handler: handler,
		results: make(chan Delivery, resultsBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if err := b.register(w); err != nil {
		cancel()
		return nil, err
	}

	go w.supervise(ctx)
	return w, nil
}

// Results reports every handled entry. Reports are dropped when nobody reads
// them. The channel is closed once the worker exits.
func (w *Worker) Results() <-chan Delivery { return w.results }

// Done is closed once the worker exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop ends the read loop and waits for the in-flight handler to return.
func (w *Worker) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

func (w *Worker) supervise(ctx context.Context) {
	defer close(w.done)
	defer close(w.results)
	defer w.bus.unregister(w)

	backoff := retry.WithCappedDuration(w.bus.retryMax, retry.NewExponential(w.bus.retryBase))
	run := panicSafeNamedWorker(w.sub.Group+"/"+w.sub.Consumer, w.run)
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		logger.Warn("restarting event bus worker",
			"stream", w.stream,
			"group", w.sub.Group,
			"consumer", w.sub.Consumer,
			"error", err)
		return retry.RetryableError(err)
	})
}

func (w *Worker) run(ctx context.Context) error {
	streams := w.bus.streams
	if err := streams.EnsureGroup(ctx, w.stream, w.sub.Group); err != nil {
		return err
	}

	for ctx.Err() == nil {
		claimed, err := streams.Claim(ctx, w.stream, w.sub.Group, w.sub.Consumer, w.bus.claimMinIdle, w.bus.batchSize)
		if err != nil {
			return err
		}
		w.process(ctx, claimed)

		fresh, err := streams.Read(ctx, w.stream, w.sub.Group, w.sub.Consumer, w.bus.batchSize, w.bus.block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.process(ctx, fresh)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, entries []Entry) {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		ev, err := events.Decode(entry.Fields)
		if err != nil {
			// undecodable entries can never succeed
			logger.Error("dropping malformed entry",
				"stream", w.stream,
				"group", w.sub.Group,
				"entry_id", entry.ID,
				"error", err)
			w.ack(ctx, entry.ID)
			w.report(Delivery{EntryID: entry.ID, Err: err})
			continue
		}

		if len(w.sub.Kinds) > 0 && !slices.Contains(w.sub.Kinds, ev.Kind()) {
			w.ack(ctx, entry.ID)
			continue
		}

		if err := w.handle(ctx, ev); err != nil {
			logger.Warn("event handler failed, leaving entry pending",
				"stream", w.stream,
				"group", w.sub.Group,
				"entry_id", entry.ID,
				"event_id", ev.ID(),
				"kind", string(ev.Kind()),
				"error", err)
			w.report(Delivery{EntryID: entry.ID, Event: ev, Err: err})
			continue
		}

		if err := w.ack(ctx, entry.ID); err != nil {
			w.report(Delivery{EntryID: entry.ID, Event: ev, Err: err})
			continue
		}
		w.report(Delivery{EntryID: entry.ID, Event: ev, Acked: true})
	}
}

func (w *Worker) handle(ctx context.Context, ev events.Event) (err error) {
	ctx, span := tracer.Start(ctx, "handle event", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind())),
		attribute.String("event.id", ev.ID()),
		attribute.String("consumer.group", w.sub.Group),
	))
	defer span.End()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panicked: %v", recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
		}
	}()

	return w.handler(ctx, ev)
}

func (w *Worker) ack(ctx context.Context, id string) error {
	if err := w.bus.streams.Ack(ctx, w.stream, w.sub.Group, id); err != nil {
		logger.Warn("failed to acknowledge entry",
			"stream", w.stream,
			"group", w.sub.Group,
			"entry_id", id,
			"error", err)
		return err
	}
	return nil
}

func (w *Worker) report(d Delivery) {
	select {
	case w.results <- d:
	default:
	}
}

type workerRun func(context.Context) error

func panicSafeNamedWorker(name string, run func(context.Context) error) workerRun {
	return func(ctx context.Context) (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%s worker panicked: %v", name, recovered)
			}
		}()

		if err = run(ctx); err != nil {
			return fmt.Errorf("%s worker failed: %w", name, err)
		}

		return nil
	}
}
