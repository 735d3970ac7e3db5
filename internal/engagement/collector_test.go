package engagement

import (
	"context"
	"testing"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/distribution"
)

func setup(t *testing.T) (*Collector, *distribution.InMemory, *consent.InMemory, *audit.InMemory) {
	t.Helper()
	trail := audit.NewInMemory()
	consents := consent.NewInMemory(trail)
	dists := distribution.NewInMemory(consents, trail)
	c := NewCollector(dists, NewMemoryLog(), trail, DefaultRateCard)
	t.Cleanup(c.Close)
	return c, dists, consents, trail
}

func liveDistribution(t *testing.T, consents *consent.InMemory, dists *distribution.InMemory, share int) distribution.Distribution {
	t.Helper()
	ctx := context.Background()
	rec, err := consents.Request(ctx, consent.Request{
		StoryID: "story-1", SiteID: "site-1", AuthorID: "teller-1",
		Terms: consent.Terms{RevenueSharePercent: share},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := consents.Decide(ctx, rec.ID, consent.OutcomeApprove, "org-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	d, err := dists.Create(ctx, rec.ID)
	if err != nil {
		t.Fatalf("create distribution: %v", err)
	}
	return d
}

func TestRecordAndAggregate(t *testing.T) {
	c, dists, consents, _ := setup(t)
	ctx := context.Background()
	d := liveDistribution(t, consents, dists, 50)

	for i := 0; i < 3; i++ {
		if _, err := c.RecordEvent(ctx, d.ID, EventView, time.Time{}); err != nil {
			t.Fatalf("record view: %v", err)
		}
	}
	if _, err := c.RecordEvent(ctx, d.ID, EventClick, time.Time{}); err != nil {
		t.Fatalf("record click: %v", err)
	}
	if _, err := c.RecordEvent(ctx, d.ID, EventShare, time.Time{}); err != nil {
		t.Fatalf("record share: %v", err)
	}
	c.Drain()

	s, err := c.Aggregate(ctx, d.ID, Window{})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if s.Views != 3 || s.Clicks != 1 || s.Shares != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	// gross = 3*2 + 10 + 25 = 41 cents, 50% share.
	if s.AttributedCents != 20 {
		t.Fatalf("unexpected attribution: %d", s.AttributedCents)
	}
}

func TestRejectsNonActiveDistribution(t *testing.T) {
	c, dists, consents, trail := setup(t)
	ctx := context.Background()
	d := liveDistribution(t, consents, dists, 50)

	if _, err := dists.Pause(ctx, d.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := c.RecordEvent(ctx, d.ID, EventView, time.Time{}); err != ErrDistributionNotActive {
		t.Fatalf("expected ErrDistributionNotActive, got %v", err)
	}

	// The rejection is logged as an anomaly, not billed.
	entries, err := trail.Query(ctx, audit.Filter{Action: audit.ActionEngagementAnomaly, EntityID: d.ID})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one anomaly entry, got %v err=%v", entries, err)
	}
	c.Drain()
	s, err := c.Aggregate(ctx, d.ID, Window{})
	if err != nil || s.Views != 0 {
		t.Fatalf("anomaly was billed: %+v err=%v", s, err)
	}
}

func TestWindowFiltersOutOfOrderEvents(t *testing.T) {
	c, dists, consents, _ := setup(t)
	ctx := context.Background()
	d := liveDistribution(t, consents, dists, 100)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Deliberately out of order.
	for _, at := range []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour), base.Add(30 * 24 * time.Hour)} {
		if _, err := c.RecordEvent(ctx, d.ID, EventView, at); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	c.Drain()

	s, err := c.Aggregate(ctx, d.ID, Window{From: base, To: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if s.Views != 3 {
		t.Fatalf("window filter wrong, views=%d", s.Views)
	}
}

func TestRecordAfterCloseStillPersists(t *testing.T) {
	c, dists, consents, _ := setup(t)
	ctx := context.Background()
	d := liveDistribution(t, consents, dists, 50)

	c.Close()

	// The worker is gone; the event takes the inline path instead of the
	// closed queue.
	if _, err := c.RecordEvent(ctx, d.ID, EventView, time.Time{}); err != nil {
		t.Fatalf("record after close: %v", err)
	}
	s, err := c.Aggregate(ctx, d.ID, Window{})
	if err != nil || s.Views != 1 {
		t.Fatalf("event lost after close: %+v err=%v", s, err)
	}
}

func TestAttributionStableAfterTermChanges(t *testing.T) {
	c, dists, consents, _ := setup(t)
	ctx := context.Background()
	d := liveDistribution(t, consents, dists, 50)

	if _, err := c.RecordEvent(ctx, d.ID, EventShare, time.Time{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	c.Drain()

	before, err := c.Aggregate(ctx, d.ID, Window{})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	// Even once the consent reaches a different lifecycle state, the
	// distribution's snapshot percentage keeps attribution unchanged.
	if _, _, err := consents.Withdraw(ctx, d.ConsentID, "renegotiating"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	after, err := c.Aggregate(ctx, d.ID, Window{})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if before.AttributedCents != after.AttributedCents || after.RevenueSharePercent != 50 {
		t.Fatalf("snapshot invariant violated: before=%d after=%d pct=%d",
			before.AttributedCents, after.AttributedCents, after.RevenueSharePercent)
	}
}
