package eventbus

import (
	"context"
	"time"
)

// Entry is one stored event in its flat wire form.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Target is a stream an event is appended to, with its retention cap.
// MaxLen <= 0 keeps every entry.
type Target struct {
	Stream string
	MaxLen int64
}

type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	Lag             int64
	LastDeliveredID string
}

type StreamInfo struct {
	Stream string
	Length int64
	Groups []GroupInfo
}

// Streams is an append-only log store with consumer groups. Implementations
// must be safe for concurrent use.
type Streams interface {
	// Append writes fields to every target as a single unit.
	Append(ctx context.Context, fields map[string]string, targets ...Target) error
	// EnsureGroup creates the group, and the stream if needed, positioned at
	// the start of the stream. An existing group is left untouched.
	EnsureGroup(ctx context.Context, stream, group string) error
	// Claim transfers entries that have been pending for at least minIdle to
	// consumer and returns them.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error)
	// Read returns entries never delivered to the group, waiting at most block
	// for one to arrive. Returned entries are pending until acknowledged.
	Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Info(ctx context.Context, stream string) (StreamInfo, error)
	Close() error
}
