package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-intake/core/events"
)

func newTestBus(t *testing.T, opts ...BusOption) *Bus {
	t.Helper()

	opts = append([]BusOption{
		WithBlock(20 * time.Millisecond),
		WithClaimMinIdle(0),
		WithRestartBackoff(time.Millisecond, 10*time.Millisecond),
	}, opts...)
	bus := New(NewMemoryStreams(), opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func newTestEvent(t *testing.T, tenant string, payload events.Payload) events.Event {
	t.Helper()

	ev, err := events.New(payload, events.WithTenant(tenant), events.WithSession("session-1"))
	if err != nil {
		t.Fatalf("unexpected event error: %v", err)
	}
	return ev
}

func publish(t *testing.T, bus *Bus, evs ...events.Event) {
	t.Helper()

	for _, ev := range evs {
		if err := bus.Publish(context.Background(), ev); err != nil {
			t.Fatalf("unexpected publish error: %v", err)
		}
	}
}

func awaitDelivery(t *testing.T, worker *Worker, match func(Delivery) bool) Delivery {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-worker.Results():
			if !ok {
				t.Fatalf("expected delivery, worker exited")
			}
			if match(d) {
				return d
			}
		case <-timeout:
			t.Fatalf("expected delivery before timeout")
		}
	}
}

func TestPublishWritesTenantAndGlobalStreams(t *testing.T) {
	bus := newTestBus(t)

	publish(t, bus,
		newTestEvent(t, "firm-a", events.SessionStarted{TurnSequence: 1}),
		newTestEvent(t, "firm-a", events.SessionStarted{TurnSequence: 2}),
		newTestEvent(t, "firm-b", events.SessionStarted{TurnSequence: 1}),
	)

	infos, err := bus.StreamInfo(context.Background(), "firm-a")
	if err != nil {
		t.Fatalf("unexpected stream info error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected tenant and global stream info, got %d entries", len(infos))
	}
	if infos[0].Stream != "events:firm-a" || infos[0].Length != 2 {
		t.Fatalf("expected 2 entries in events:firm-a, got %+v", infos[0])
	}
	if infos[1].Stream != GlobalStream || infos[1].Length != 3 {
		t.Fatalf("expected 3 entries in %s, got %+v", GlobalStream, infos[1])
	}
}

func TestPublishTrimsToRetention(t *testing.T) {
	bus := newTestBus(t, WithRetention(2, 3))

	for i := range 5 {
		publish(t, bus, newTestEvent(t, "firm-a", events.SessionStarted{TurnSequence: i}))
	}

	infos, err := bus.StreamInfo(context.Background(), "firm-a")
	if err != nil {
		t.Fatalf("unexpected stream info error: %v", err)
	}
	if infos[0].Length != 2 {
		t.Fatalf("expected tenant stream capped at 2, got %d", infos[0].Length)
	}
	if infos[1].Length != 3 {
		t.Fatalf("expected global stream capped at 3, got %d", infos[1].Length)
	}
}

func TestStreamInfoRejectsInvalidTenant(t *testing.T) {
	bus := newTestBus(t)

	for _, tenant := range []string{"firm-a:global", events.ReservedTenantID} {
		if _, err := bus.StreamInfo(context.Background(), tenant); !errors.Is(err, events.ErrInvalidTenant) {
			t.Fatalf("expected ErrInvalidTenant for %q, got %v", tenant, err)
		}
	}
}

func TestGlobalStreamIsNotATenantStream(t *testing.T) {
	bus := newTestBus(t, WithRetention(2, 100))

	for _, tenant := range []string{"firm-a", "firm-b", "firm-c"} {
		publish(t, bus, newTestEvent(t, tenant, events.SessionStarted{TurnSequence: 1}))
	}
	if _, err := events.New(events.SessionStarted{}, events.WithTenant(events.ReservedTenantID)); !errors.Is(err, events.ErrInvalidTenant) {
		t.Fatalf("expected ErrInvalidTenant for the global tenant, got %v", err)
	}

	_, err := bus.Subscribe(context.Background(), Subscription{
		Group:    "audit",
		Consumer: "worker-1",
		Tenant:   events.ReservedTenantID,
	}, func(context.Context, events.Event) error { return nil })
	if !errors.Is(err, events.ErrInvalidTenant) {
		t.Fatalf("expected subscription to the global tenant to fail, got %v", err)
	}

	infos, err := bus.StreamInfo(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected stream info error: %v", err)
	}
	if infos[0].Stream != GlobalStream || infos[0].Length != 3 {
		t.Fatalf("expected global stream to keep all 3 events, got %+v", infos[0])
	}
}

func TestSubscribeRedeliversAfterHandlerFailure(t *testing.T) {
	testCases := []struct {
		name string
		fail func()
	}{
		{name: "error", fail: nil},
		{name: "panic", fail: func() { panic("handler exploded") }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			bus := newTestBus(t)
			ev := newTestEvent(t, "firm-a", events.Transcribed{Text: "hello", Confidence: 0.9})

			calls := atomic.Int32{}
			worker, err := bus.Subscribe(context.Background(), Subscription{Group: "audit", Consumer: "audit-1"},
				func(context.Context, events.Event) error {
					if calls.Add(1) == 1 {
						if testCase.fail != nil {
							testCase.fail()
						}
						return errors.New("temporary failure")
					}
					return nil
				})
			if err != nil {
				t.Fatalf("unexpected subscribe error: %v", err)
			}

			publish(t, bus, ev)

			failed := awaitDelivery(t, worker, func(d Delivery) bool { return d.Err != nil })
			if failed.Acked || failed.Event.ID() != ev.ID() {
				t.Fatalf("expected unacknowledged failure for %s, got %+v", ev.ID(), failed)
			}

			acked := awaitDelivery(t, worker, func(d Delivery) bool { return d.Acked })
			if acked.Event.ID() != ev.ID() {
				t.Fatalf("expected redelivery of %s, got %s", ev.ID(), acked.Event.ID())
			}
			if got := calls.Load(); got != 2 {
				t.Fatalf("expected handler called twice, got %d", got)
			}
		})
	}
}

func TestSubscribeSkipsNonMatchingKinds(t *testing.T) {
	bus := newTestBus(t)

	var (
		mu   sync.Mutex
		seen []events.Kind
	)
	worker, err := bus.Subscribe(context.Background(), Subscription{
		Kinds:    []events.Kind{events.KindGenerated},
		Group:    "compliance-validator",
		Consumer: "validator-1",
	}, func(_ context.Context, ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Kind())
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	publish(t, bus,
		newTestEvent(t, "firm-a", events.Transcribed{Text: "hello", Confidence: 0.9}),
		newTestEvent(t, "firm-a", events.Generated{Text: "hi there"}),
	)

	awaitDelivery(t, worker, func(d Delivery) bool { return d.Acked })

	mu.Lock()
	if len(seen) != 1 || seen[0] != events.KindGenerated {
		t.Fatalf("expected only generated events, got %v", seen)
	}
	mu.Unlock()

	infos, err := bus.StreamInfo(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected stream info error: %v", err)
	}
	if len(infos[0].Groups) != 1 || infos[0].Groups[0].Pending != 0 {
		t.Fatalf("expected skipped entries to be acknowledged, got %+v", infos[0].Groups)
	}
}

func TestSubscribePreservesTenantOrder(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan int, 10)
	worker, err := bus.Subscribe(context.Background(), Subscription{
		Group:    "performance-monitor",
		Consumer: "monitor-1",
		Tenant:   "firm-a",
	}, func(_ context.Context, ev events.Event) error {
		started, _ := events.PayloadAs[events.SessionStarted](ev)
		received <- started.TurnSequence
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer worker.Stop()

	for i := range 5 {
		publish(t, bus, newTestEvent(t, "firm-a", events.SessionStarted{TurnSequence: i}))
		publish(t, bus, newTestEvent(t, "firm-b", events.SessionStarted{TurnSequence: 100 + i}))
	}

	for expected := range 5 {
		select {
		case got := <-received:
			if got != expected {
				t.Fatalf("expected turn %d, got %d", expected, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected turn %d before timeout", expected)
		}
	}
}

func TestSubscribeGroupsShareEntriesIndependently(t *testing.T) {
	bus := newTestBus(t)

	counts := map[string]*atomic.Int32{"audit": {}, "monitor": {}}
	var workers []*Worker
	for group, count := range counts {
		worker, err := bus.Subscribe(context.Background(), Subscription{Group: group, Consumer: group + "-1"},
			func(context.Context, events.Event) error {
				count.Add(1)
				return nil
			})
		if err != nil {
			t.Fatalf("unexpected subscribe error: %v", err)
		}
		workers = append(workers, worker)
	}

	publish(t, bus, newTestEvent(t, "firm-a", events.SessionStarted{}))

	for _, worker := range workers {
		awaitDelivery(t, worker, func(d Delivery) bool { return d.Acked })
	}
	for group, count := range counts {
		if got := count.Load(); got != 1 {
			t.Fatalf("expected group %s to see the event once, got %d", group, got)
		}
	}
}

func TestStopEndsWorker(t *testing.T) {
	bus := newTestBus(t, WithBlock(time.Hour))

	worker, err := bus.Subscribe(context.Background(), Subscription{Group: "audit", Consumer: "audit-1"},
		func(context.Context, events.Event) error { return nil })
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		worker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("expected worker to stop while blocked on read")
	}
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	bus := New(NewMemoryStreams())
	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if err := bus.Publish(context.Background(), newTestEvent(t, "firm-a", events.SessionStarted{})); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from publish, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), Subscription{Group: "g", Consumer: "c"},
		func(context.Context, events.Event) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from subscribe, got %v", err)
	}
}

func TestMalformedEntriesAreAcknowledged(t *testing.T) {
	streams := NewMemoryStreams()
	bus := New(streams, WithBlock(20*time.Millisecond), WithClaimMinIdle(0))
	t.Cleanup(func() { _ = bus.Close() })

	worker, err := bus.Subscribe(context.Background(), Subscription{Group: "audit", Consumer: "audit-1"},
		func(context.Context, events.Event) error { return nil })
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	if err := streams.Append(context.Background(), map[string]string{events.FieldKind: "nonsense"},
		Target{Stream: GlobalStream}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	d := awaitDelivery(t, worker, func(d Delivery) bool { return d.Err != nil })
	if !errors.Is(d.Err, events.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", d.Err)
	}

	infos, _ := bus.StreamInfo(context.Background(), "")
	if infos[0].Groups[0].Pending != 0 {
		t.Fatalf("expected malformed entry acknowledged, got %d pending", infos[0].Groups[0].Pending)
	}
}
