package engagement

import (
	"errors"
	"time"
)

// EventType of a single engagement fact.
type EventType string

const (
	EventView  EventType = "view"
	EventClick EventType = "click"
	EventShare EventType = "share"
)

func (t EventType) Valid() bool {
	switch t {
	case EventView, EventClick, EventShare:
		return true
	}
	return false
}

// Event is one immutable engagement fact against one distribution. Events
// are append-only and only ever consumed in aggregate; they may arrive out
// of order.
type Event struct {
	ID             string    `json:"id"`
	DistributionID string    `json:"distribution_id"`
	Type           EventType `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Window bounds an aggregation. A zero From or To is unbounded on that side.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// RateCard prices engagement in minor units. The distribution's snapshot
// revenue-share percentage is applied on top.
type RateCard struct {
	ViewCents  int64
	ClickCents int64
	ShareCents int64
}

// DefaultRateCard mirrors the platform's standard payout basis.
var DefaultRateCard = RateCard{ViewCents: 2, ClickCents: 10, ShareCents: 25}

// Summary is the aggregate for one distribution over a window.
type Summary struct {
	DistributionID       string    `json:"distribution_id"`
	StoryID              string    `json:"story_id"`
	Views                int64     `json:"views"`
	Clicks               int64     `json:"clicks"`
	Shares               int64     `json:"shares"`
	RevenueSharePercent  int       `json:"revenue_share_percentage"`
	AttributedCents      int64     `json:"attributed_revenue_cents"`
	WindowFrom           time.Time `json:"window_from,omitempty"`
	WindowTo             time.Time `json:"window_to,omitempty"`
}

var (
	ErrDistributionNotActive = errors.New("engagement: distribution not active")
	ErrInvalidEvent          = errors.New("engagement: invalid event")
)
