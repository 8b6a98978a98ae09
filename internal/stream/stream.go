// Package stream fan-outs budget lifecycle events to SSE subscribers,
// giving operators a live view of lease traffic.
package stream

import (
	"context"
	"sync"
	"time"

	"leasebank.org/internal/budget"
)

// Event types published on the stream.
const (
	EventLeaseOpened   = "lease_opened"
	EventUsageReported = "usage_reported"
	EventLeaseRefreshed = "lease_refreshed"
	EventLeaseClosed   = "lease_closed"
	EventLeaseRevoked  = "lease_revoked"
)

// Event describes one budget state change.
type Event struct {
	Type      string        `json:"type"`
	LeaseID   string        `json:"lease_id,omitempty"`
	AgentID   string        `json:"agent_id"`
	Amount    budget.Amount `json:"amount"`
	Timestamp time.Time     `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
