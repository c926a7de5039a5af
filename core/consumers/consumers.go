// Package consumers runs background handlers against the global event stream.
// Each consumer is its own group, so every consumer sees every event while
// replicas of the same consumer share the work.
package consumers

import (
	"context"
	"fmt"

	"github.com/koscakluka/ema-intake/core/eventbus"
	"github.com/koscakluka/ema-intake/core/events"
)

// Consumer handles events delivered at least once. Handle must be idempotent;
// returning an error leaves the event pending for redelivery.
type Consumer interface {
	Group() string
	Kinds() []events.Kind
	Handle(ctx context.Context, ev events.Event) error
}

// Publisher is where consumers put the events they derive.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, sub eventbus.Subscription, handler eventbus.Handler) (*eventbus.Worker, error)
}

// Start subscribes every consumer to the global stream as consumerName. If any
// subscription fails the ones already started are stopped.
func Start(ctx context.Context, bus Subscriber, consumerName string, cs ...Consumer) ([]*eventbus.Worker, error) {
	workers := make([]*eventbus.Worker, 0, len(cs))
	for _, c := range cs {
		worker, err := bus.Subscribe(ctx, eventbus.Subscription{
			Kinds:    c.Kinds(),
			Group:    c.Group(),
			Consumer: consumerName,
		}, c.Handle)
		if err != nil {
			Stop(workers)
			return nil, fmt.Errorf("failed to start %s consumer: %w", c.Group(), err)
		}
		logger.Info("started consumer", "group", c.Group(), "consumer", consumerName)
		workers = append(workers, worker)
	}
	return workers, nil
}

// Stop stops workers and waits for their in-flight handlers.
func Stop(workers []*eventbus.Worker) {
	for _, w := range workers {
		w.Stop()
	}
}

// Derive builds an event that belongs to the same turn as source.
func Derive(source events.Event, payload events.Payload, opts ...events.Option) (events.Event, error) {
	base := []events.Option{
		events.WithSession(source.SessionID()),
		events.WithTenant(source.TenantID()),
		events.WithUser(source.UserID()),
		events.WithCorrelation(source.CorrelationID()),
	}
	return events.New(payload, append(base, opts...)...)
}
