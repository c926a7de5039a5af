package eventbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

var ErrNoGroup = errors.New("consumer group does not exist")

// MemoryStreams keeps streams and consumer-group state in process. Delivery
// follows the same rules as RedisStreams: entries stay pending until
// acknowledged and idle pending entries can be claimed by any consumer.
type MemoryStreams struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	closed  bool
	now     func() time.Time
}

type memoryStream struct {
	entries []memoryEntry
	lastSeq uint64
	groups  map[string]*memoryGroup
	// changed is closed and replaced on every append
	changed chan struct{}
}

type memoryEntry struct {
	seq    uint64
	fields map[string]string
}

type memoryGroup struct {
	lastDelivered uint64
	pending       map[uint64]*pendingEntry
	consumers     map[string]struct{}
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

func NewMemoryStreams() *MemoryStreams {
	return &MemoryStreams{streams: make(map[string]*memoryStream), now: time.Now}
}

func (m *MemoryStreams) stream(name string) *memoryStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memoryStream{groups: make(map[string]*memoryGroup), changed: make(chan struct{})}
		m.streams[name] = s
	}
	return s
}

func (m *MemoryStreams) Append(ctx context.Context, fields map[string]string, targets ...Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, target := range targets {
		s := m.stream(target.Stream)
		s.lastSeq++
		s.entries = append(s.entries, memoryEntry{seq: s.lastSeq, fields: maps.Clone(fields)})
		if target.MaxLen > 0 && int64(len(s.entries)) > target.MaxLen {
			s.entries = slices.Clone(s.entries[int64(len(s.entries))-target.MaxLen:])
		}
		close(s.changed)
		s.changed = make(chan struct{})
	}
	return nil
}

func (m *MemoryStreams) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{
			pending:   make(map[uint64]*pendingEntry),
			consumers: make(map[string]struct{}),
		}
	}
	return nil
}

func (m *MemoryStreams) group(stream, group string) (*memoryStream, *memoryGroup, error) {
	if m.closed {
		return nil, nil, ErrClosed
	}
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrNoGroup, group, stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrNoGroup, group, stream)
	}
	return s, g, nil
}

func (m *MemoryStreams) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, g, err := m.group(stream, group)
	if err != nil {
		return nil, err
	}
	g.consumers[consumer] = struct{}{}

	now := m.now()
	var claimed []Entry
	for _, seq := range slices.Sorted(maps.Keys(g.pending)) {
		if count > 0 && int64(len(claimed)) >= count {
			break
		}
		p := g.pending[seq]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		entry, ok := s.find(seq)
		if !ok {
			// trimmed while pending
			delete(g.pending, seq)
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (m *MemoryStreams) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		entries, changed, err := m.readNew(stream, group, consumer, count)
		if err != nil || len(entries) > 0 || timeout == nil {
			return entries, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-changed:
		}
	}
}

func (m *MemoryStreams) readNew(stream, group, consumer string, count int64) ([]Entry, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, g, err := m.group(stream, group)
	if err != nil {
		return nil, nil, err
	}
	g.consumers[consumer] = struct{}{}

	now := m.now()
	var entries []Entry
	for _, e := range s.entries {
		if e.seq <= g.lastDelivered {
			continue
		}
		if count > 0 && int64(len(entries)) >= count {
			break
		}
		g.lastDelivered = e.seq
		g.pending[e.seq] = &pendingEntry{consumer: consumer, deliveredAt: now}
		entries = append(entries, e.entry())
	}
	return entries, s.changed, nil
}

func (m *MemoryStreams) Ack(_ context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, g, err := m.group(stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		seq, err := parseMemoryID(id)
		if err != nil {
			return err
		}
		delete(g.pending, seq)
	}
	return nil
}

func (m *MemoryStreams) Info(_ context.Context, stream string) (StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := StreamInfo{Stream: stream}
	if m.closed {
		return info, ErrClosed
	}
	s, ok := m.streams[stream]
	if !ok {
		return info, nil
	}

	info.Length = int64(len(s.entries))
	for _, name := range slices.Sorted(maps.Keys(s.groups)) {
		g := s.groups[name]
		var lag int64
		for _, e := range s.entries {
			if e.seq > g.lastDelivered {
				lag++
			}
		}
		info.Groups = append(info.Groups, GroupInfo{
			Name:            name,
			Consumers:       int64(len(g.consumers)),
			Pending:         int64(len(g.pending)),
			Lag:             lag,
			LastDeliveredID: formatMemoryID(g.lastDelivered),
		})
	}
	return info, nil
}

func (m *MemoryStreams) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (s *memoryStream) find(seq uint64) (Entry, bool) {
	i, ok := slices.BinarySearchFunc(s.entries, seq, func(e memoryEntry, seq uint64) int {
		switch {
		case e.seq < seq:
			return -1
		case e.seq > seq:
			return 1
		}
		return 0
	})
	if !ok {
		return Entry{}, false
	}
	return s.entries[i].entry(), true
}

func (e memoryEntry) entry() Entry {
	return Entry{ID: formatMemoryID(e.seq), Fields: maps.Clone(e.fields)}
}

func formatMemoryID(seq uint64) string {
	return fmt.Sprintf("%d-0", seq)
}

func parseMemoryID(id string) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(id, "%d-0", &seq); err != nil {
		return 0, fmt.Errorf("invalid entry id %q: %w", id, err)
	}
	return seq, nil
}
