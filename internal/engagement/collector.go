package engagement

import (
	"context"
	"strings"
	"sync"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/distribution"
	"empathyledger.org/internal/ids"
	"empathyledger.org/internal/obs"
)

// Distributions is the read slice of the distribution manager the collector
// needs for status checks and snapshot percentages.
type Distributions interface {
	Get(ctx context.Context, id string) (distribution.Distribution, error)
}

// Log is the append-only event store aggregation reads from.
type Log interface {
	AppendEvent(ctx context.Context, e Event) error
	EventsByDistribution(ctx context.Context, distributionID string, w Window) ([]Event, error)
}

// Collector ingests engagement events off the hot path and computes lazy
// window aggregates. Ingestion goes through a buffered queue drained by a
// background worker; the caller never waits on aggregation or storage.
type Collector struct {
	dists Distributions
	log   Log
	trail audit.Recorder
	rates RateCard

	queue   chan Event
	pending sync.WaitGroup
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

// NewCollector starts the ingestion worker.
func NewCollector(dists Distributions, log Log, trail audit.Recorder, rates RateCard) *Collector {
	c := &Collector{
		dists: dists,
		log:   log,
		trail: trail,
		rates: rates,
		queue: make(chan Event, 1024),
		done:  make(chan struct{}),
	}
	go c.worker()
	return c
}

func (c *Collector) worker() {
	for e := range c.queue {
		if err := c.log.AppendEvent(context.Background(), e); err != nil {
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "engagement append failed",
				"event": e.ID,
				"error": err.Error(),
			})
		}
		c.pending.Done()
	}
	close(c.done)
}

// Close drains the queue and stops the worker. Events recorded afterwards
// are persisted inline instead of enqueued.
func (c *Collector) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.pending.Wait()
		close(c.queue)
		<-c.done
	})
}

// Drain blocks until all queued events are persisted. Test and shutdown aid.
func (c *Collector) Drain() { c.pending.Wait() }

// RecordEvent validates the distribution synchronously and enqueues the
// event. Engagement against a non-active distribution is not billable: it
// is recorded as an audit anomaly instead and rejected, which keeps revenue
// attribution from accruing after a pause or revocation.
func (c *Collector) RecordEvent(ctx context.Context, distributionID string, eventType EventType, occurredAt time.Time) (Event, error) {
	if strings.TrimSpace(distributionID) == "" || !eventType.Valid() {
		return Event{}, ErrInvalidEvent
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	d, err := c.dists.Get(ctx, distributionID)
	if err != nil {
		return Event{}, err
	}
	if d.Status != distribution.StatusActive {
		_, _ = c.trail.Append(ctx, audit.Entry{
			Action:     audit.ActionEngagementAnomaly,
			Category:   audit.CategoryEngagement,
			EntityType: "distribution",
			EntityID:   d.ID,
			Metadata: map[string]string{
				"event_type":          string(eventType),
				"distribution_status": string(d.Status),
				"occurred_at":         occurredAt.UTC().Format(time.RFC3339),
			},
		})
		return Event{}, ErrDistributionNotActive
	}

	e := Event{
		ID:             ids.NewPrefixed(ids.PrefixEngagement),
		DistributionID: d.ID,
		Type:           eventType,
		OccurredAt:     occurredAt.UTC(),
		RecordedAt:     time.Now().UTC(),
	}

	obs.EngagementEvent(string(eventType))
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if err := c.log.AppendEvent(ctx, e); err != nil {
			return Event{}, err
		}
		return e, nil
	}
	// Add under the lock: Close waits on pending before closing the queue,
	// so this send can never hit a closed channel.
	c.pending.Add(1)
	c.mu.Unlock()
	select {
	case c.queue <- e:
	default:
		// Queue saturated: persist inline rather than drop a billable fact.
		err := c.log.AppendEvent(ctx, e)
		c.pending.Done()
		if err != nil {
			return Event{}, err
		}
	}
	return e, nil
}

// Aggregate sums a distribution's events over the window and attributes
// revenue using the distribution's snapshot percentage. Summation is
// order-independent, so out-of-order arrival needs no special handling.
func (c *Collector) Aggregate(ctx context.Context, distributionID string, w Window) (Summary, error) {
	d, err := c.dists.Get(ctx, distributionID)
	if err != nil {
		return Summary{}, err
	}
	events, err := c.log.EventsByDistribution(ctx, distributionID, w)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		DistributionID:      d.ID,
		StoryID:             d.StoryID,
		RevenueSharePercent: d.RevenueSharePercent,
		WindowFrom:          w.From,
		WindowTo:            w.To,
	}
	var gross int64
	for _, e := range events {
		switch e.Type {
		case EventView:
			s.Views++
			gross += c.rates.ViewCents
		case EventClick:
			s.Clicks++
			gross += c.rates.ClickCents
		case EventShare:
			s.Shares++
			gross += c.rates.ShareCents
		}
	}
	s.AttributedCents = gross * int64(d.RevenueSharePercent) / 100
	return s, nil
}

// AggregateStory merges per-distribution summaries for every distribution
// of a story, live or historical.
func (c *Collector) AggregateStory(ctx context.Context, dists []distribution.Distribution, w Window) ([]Summary, error) {
	res := make([]Summary, 0, len(dists))
	for _, d := range dists {
		s, err := c.Aggregate(ctx, d.ID, w)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// MemoryLog is the in-process append-only event store.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (l *MemoryLog) AppendEvent(ctx context.Context, e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *MemoryLog) EventsByDistribution(ctx context.Context, distributionID string, w Window) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Event
	for _, e := range l.events {
		if e.DistributionID != distributionID {
			continue
		}
		if !w.Contains(e.OccurredAt) {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}
