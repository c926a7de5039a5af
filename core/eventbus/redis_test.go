package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/koscakluka/ema-intake/core/events"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStreams(t *testing.T) (*RedisStreams, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return NewRedisStreams(client), server
}

func TestRedisStreamsAppendTrimsEachTarget(t *testing.T) {
	streams, _ := newTestRedisStreams(t)
	defer streams.Close()
	ctx := context.Background()

	for range 4 {
		err := streams.Append(ctx, map[string]string{"kind": "session_started"},
			Target{Stream: "events:firm-a", MaxLen: 2},
			Target{Stream: GlobalStream, MaxLen: 3},
		)
		if err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	tenant, err := streams.Info(ctx, "events:firm-a")
	if err != nil {
		t.Fatalf("unexpected info error: %v", err)
	}
	if tenant.Length != 2 {
		t.Fatalf("expected tenant stream trimmed to 2, got %d", tenant.Length)
	}

	global, err := streams.Info(ctx, GlobalStream)
	if err != nil {
		t.Fatalf("unexpected info error: %v", err)
	}
	if global.Length != 3 {
		t.Fatalf("expected global stream trimmed to 3, got %d", global.Length)
	}
}

func TestRedisStreamsEnsureGroupIsIdempotent(t *testing.T) {
	streams, _ := newTestRedisStreams(t)
	defer streams.Close()

	for range 2 {
		if err := streams.EnsureGroup(context.Background(), GlobalStream, "audit-logger"); err != nil {
			t.Fatalf("expected repeated group creation to succeed, got %v", err)
		}
	}
}

func TestRedisStreamsInfoOfMissingStream(t *testing.T) {
	streams, _ := newTestRedisStreams(t)
	defer streams.Close()

	info, err := streams.Info(context.Background(), "events:nobody")
	if err != nil {
		t.Fatalf("unexpected info error: %v", err)
	}
	if info.Length != 0 || len(info.Groups) != 0 {
		t.Fatalf("expected empty info, got %+v", info)
	}
}

func TestRedisStreamsReadAckAndClaim(t *testing.T) {
	streams, _ := newTestRedisStreams(t)
	defer streams.Close()
	ctx := context.Background()

	if err := streams.EnsureGroup(ctx, GlobalStream, "audit-logger"); err != nil {
		t.Fatalf("unexpected group error: %v", err)
	}
	if err := streams.Append(ctx, map[string]string{"kind": "session_started"}, Target{Stream: GlobalStream}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	read, err := streams.Read(ctx, GlobalStream, "audit-logger", "audit-1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(read) != 1 || read[0].Fields["kind"] != "session_started" {
		t.Fatalf("expected one session_started entry, got %+v", read)
	}

	again, err := streams.Read(ctx, GlobalStream, "audit-logger", "audit-1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no new entries, got %+v", again)
	}

	claimed, err := streams.Claim(ctx, GlobalStream, "audit-logger", "audit-2", 0, 10)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != read[0].ID {
		t.Fatalf("expected pending entry %s to be claimed, got %+v", read[0].ID, claimed)
	}

	if err := streams.Ack(ctx, GlobalStream, "audit-logger", read[0].ID); err != nil {
		t.Fatalf("unexpected ack error: %v", err)
	}
	claimed, err = streams.Claim(ctx, GlobalStream, "audit-logger", "audit-2", 0, 10)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing pending after ack, got %+v", claimed)
	}
}

func TestBusDeliversThroughRedis(t *testing.T) {
	streams, _ := newTestRedisStreams(t)
	bus := New(streams, WithBlock(20*time.Millisecond), WithClaimMinIdle(0))
	t.Cleanup(func() { _ = bus.Close() })

	worker, err := bus.Subscribe(context.Background(), Subscription{Group: "audit-logger", Consumer: "audit-1"},
		func(context.Context, events.Event) error { return nil })
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}

	ev := newTestEvent(t, "firm-a", events.Generated{Text: "We'll have someone call you back."})
	publish(t, bus, ev)

	d := awaitDelivery(t, worker, func(d Delivery) bool { return d.Acked })
	if d.Event.ID() != ev.ID() {
		t.Fatalf("expected %s delivered, got %s", ev.ID(), d.Event.ID())
	}
	generated, ok := events.PayloadAs[events.Generated](d.Event)
	if !ok || generated.Text != "We'll have someone call you back." {
		t.Fatalf("expected generated payload to survive redis, got %#v", d.Event.Payload())
	}
}
