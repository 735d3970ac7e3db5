package stream

import (
	"context"
	"sync"
	"time"
)

// EventKind labels live syndication events pushed to dashboard projections.
type EventKind string

const (
	KindDistributionCreated EventKind = "distribution.created"
	KindDistributionRemoved EventKind = "distribution.removed"
	KindRemovalEscalated    EventKind = "removal.escalated"
	KindEngagementRecorded  EventKind = "engagement.recorded"
	KindRevocationStarted   EventKind = "revocation.started"
)

// Event is one live syndication fact. The stream is a read-only projection
// for dashboards; the stores remain the source of truth.
type Event struct {
	Kind           EventKind `json:"kind"`
	StoryID        string    `json:"story_id,omitempty"`
	SiteID         string    `json:"site_id,omitempty"`
	DistributionID string    `json:"distribution_id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stream fan-outs syndication events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
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
