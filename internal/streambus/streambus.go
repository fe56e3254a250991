// Package streambus defines the durable stream capability (C17) that
// Consumer reads opportunities from and publishes dead-letter events to,
// and that HealthMonitor and StandbyManager publish health events to,
// modeled on Redis Streams consumer groups.
package streambus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message is one stream entry: an opaque field map plus its durable ID.
type Message struct {
	ID     string
	Stream string
	Fields map[string]interface{}
}

// StreamBus is the narrow capability every stream consumer/publisher
// depends on. ReadGroup blocks up to blockMs for up to count messages;
// Ack commits a consumer group's read offset for one message.
type StreamBus interface {
	Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error)
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, blockMs int64) ([]Message, error)
	Ack(ctx context.Context, stream, group, messageID string) error
	PendingCount(ctx context.Context, stream, group string) (int, error)
}

type streamState struct {
	mu       sync.Mutex
	messages []Message
	nextSeq  int64
	pending  map[string]map[string]bool // group -> messageID -> true while pending, false once acked
	waiters  []chan struct{}
}

// MemBus is an in-memory StreamBus backed by an append-only slice per
// stream (entries are never trimmed), used in tests and as a
// single-process fallback. It supports multiple named streams, each
// with independent consumer-group pending sets.
type MemBus struct {
	mu      sync.Mutex
	streams map[string]*streamState
	now     func() time.Time
}

// NewMemBus constructs an empty MemBus.
func NewMemBus() *MemBus {
	return &MemBus{streams: make(map[string]*streamState), now: time.Now}
}

func (b *MemBus) streamFor(name string) *streamState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &streamState{pending: make(map[string]map[string]bool)}
		b.streams[name] = s
	}
	return s
}

func (b *MemBus) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	s := b.streamFor(stream)
	s.mu.Lock()
	s.nextSeq++
	id := fmt.Sprintf("%d-0", s.nextSeq)
	s.messages = append(s.messages, Message{ID: id, Stream: stream, Fields: fields})
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return id, nil
}

// ReadGroup returns up to count undelivered messages for the given
// consumer group, marking them pending. If none are available it blocks
// up to blockMs for a new publish, then returns an empty slice (not an
// error) on timeout — callers treat an empty read as "nothing to do".
func (b *MemBus) ReadGroup(ctx context.Context, stream, group, consumer string, count int, blockMs int64) ([]Message, error) {
	s := b.streamFor(stream)

	for {
		s.mu.Lock()
		pendingSet, ok := s.pending[group]
		if !ok {
			pendingSet = make(map[string]bool)
			s.pending[group] = pendingSet
		}
		var out []Message
		for _, m := range s.messages {
			if len(out) >= count {
				break
			}
			if _, delivered := pendingSet[m.ID]; delivered {
				continue
			}
			pendingSet[m.ID] = true
			out = append(out, m)
		}
		if len(out) > 0 {
			s.mu.Unlock()
			return out, nil
		}

		wait := make(chan struct{})
		s.waiters = append(s.waiters, wait)
		s.mu.Unlock()

		if blockMs <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(time.Duration(blockMs) * time.Millisecond)
		select {
		case <-wait:
			timer.Stop()
			// loop to pick up the new message
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (b *MemBus) Ack(ctx context.Context, stream, group, messageID string) error {
	s := b.streamFor(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	if pendingSet, ok := s.pending[group]; ok {
		if _, delivered := pendingSet[messageID]; delivered {
			pendingSet[messageID] = false
		}
	}
	return nil
}

func (b *MemBus) PendingCount(ctx context.Context, stream, group string) (int, error) {
	s := b.streamFor(stream)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pending := range s.pending[group] {
		if pending {
			n++
		}
	}
	return n, nil
}
