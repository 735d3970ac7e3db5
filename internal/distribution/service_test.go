package distribution

import (
	"context"
	"testing"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/consent"
)

func setup(t *testing.T) (*InMemory, *consent.InMemory, *audit.InMemory) {
	t.Helper()
	trail := audit.NewInMemory()
	consents := consent.NewInMemory(trail)
	return NewInMemory(consents, trail), consents, trail
}

func approvedConsent(t *testing.T, consents *consent.InMemory) consent.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := consents.Request(ctx, consent.Request{
		StoryID: "story-1", SiteID: "site-1", AuthorID: "teller-1",
		Terms: consent.Terms{RevenueSharePercent: 40},
	})
	if err != nil {
		t.Fatalf("request consent: %v", err)
	}
	rec, err = consents.Decide(ctx, rec.ID, consent.OutcomeApprove, "org-1")
	if err != nil {
		t.Fatalf("approve consent: %v", err)
	}
	return rec
}

func TestCreateRequiresApprovedConsent(t *testing.T) {
	m, consents, _ := setup(t)
	ctx := context.Background()

	pending, err := consents.Request(ctx, consent.Request{
		StoryID: "story-1", SiteID: "site-1", AuthorID: "teller-1",
	})
	if err != nil {
		t.Fatalf("request consent: %v", err)
	}
	if _, err := m.Create(ctx, pending.ID); err != ErrConsentNotApproved {
		t.Fatalf("expected ErrConsentNotApproved on pending consent, got %v", err)
	}
	if _, err := m.Create(ctx, "con_missing"); err != consent.ErrNotFound {
		t.Fatalf("expected consent.ErrNotFound, got %v", err)
	}
}

func TestCreateActivatesConsentAndSnapshotsShare(t *testing.T) {
	m, consents, _ := setup(t)
	ctx := context.Background()
	rec := approvedConsent(t, consents)

	d, err := m.Create(ctx, rec.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != StatusActive || d.StoryID != "story-1" || d.SiteID != "site-1" {
		t.Fatalf("unexpected distribution: %+v", d)
	}
	if d.RevenueSharePercent != 40 {
		t.Fatalf("revenue share not snapshotted: %d", d.RevenueSharePercent)
	}

	got, err := consents.Get(ctx, rec.ID)
	if err != nil || got.Status != consent.StatusActive {
		t.Fatalf("consent not activated: %+v err=%v", got, err)
	}
}

func TestCreateIsIdempotentPerConsent(t *testing.T) {
	m, consents, _ := setup(t)
	ctx := context.Background()
	rec := approvedConsent(t, consents)

	d1, err := m.Create(ctx, rec.ID)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	d2, err := m.Create(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if d1.ID != d2.ID {
		t.Fatalf("idempotency violated: %s != %s", d1.ID, d2.ID)
	}
}

func TestPauseResume(t *testing.T) {
	m, consents, _ := setup(t)
	ctx := context.Background()
	d, err := m.Create(ctx, approvedConsent(t, consents).ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	paused, err := m.Pause(ctx, d.ID)
	if err != nil || paused.Status != StatusPaused {
		t.Fatalf("pause: %+v err=%v", paused, err)
	}
	resumed, err := m.Resume(ctx, d.ID)
	if err != nil || resumed.Status != StatusActive {
		t.Fatalf("resume: %+v err=%v", resumed, err)
	}

	if _, err := m.MarkRemoved(ctx, d.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Pause(ctx, d.ID); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition pausing removed, got %v", err)
	}
}

func TestMarkRemovedIdempotentSingleAuditEntry(t *testing.T) {
	m, consents, trail := setup(t)
	ctx := context.Background()
	d, err := m.Create(ctx, approvedConsent(t, consents).ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := m.MarkRemoved(ctx, d.ID)
	if err != nil || first.Status != StatusRemoved || first.RemovedAt == nil {
		t.Fatalf("first remove: %+v err=%v", first, err)
	}
	second, err := m.MarkRemoved(ctx, d.ID)
	if err != nil || second.Status != StatusRemoved {
		t.Fatalf("second remove: %+v err=%v", second, err)
	}
	if !second.RemovedAt.Equal(*first.RemovedAt) {
		t.Fatalf("RemovedAt changed on idempotent call")
	}

	entries, err := trail.Query(ctx, audit.Filter{EntityID: d.ID, Action: audit.ActionDistRemoved})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one removed audit entry, got %d err=%v", len(entries), err)
	}
}

func TestRemovalFailedThenLateConfirm(t *testing.T) {
	m, consents, _ := setup(t)
	ctx := context.Background()
	d, err := m.Create(ctx, approvedConsent(t, consents).ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.MarkRemovalPending(ctx, d.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("pending: %v", err)
	}
	failed, err := m.MarkRemovalFailed(ctx, d.ID)
	if err != nil || failed.Status != StatusRemovalFailed {
		t.Fatalf("failed: %+v err=%v", failed, err)
	}
	// A destination confirming after the deadline still lands in removed.
	late, err := m.MarkRemoved(ctx, d.ID)
	if err != nil || late.Status != StatusRemoved {
		t.Fatalf("late confirm: %+v err=%v", late, err)
	}
}

// racingLedger hands out an approved snapshot and immediately withdraws the
// consent, so the withdrawal lands between the manager's read and its
// activation.
type racingLedger struct {
	*consent.InMemory
}

func (l *racingLedger) Get(ctx context.Context, id string) (consent.Record, error) {
	rec, err := l.InMemory.Get(ctx, id)
	if err != nil || rec.Status != consent.StatusApproved {
		return rec, err
	}
	if _, _, err := l.InMemory.Withdraw(ctx, id, "raced"); err != nil {
		return consent.Record{}, err
	}
	return rec, nil
}

func TestCreateLosingRaceWithWithdrawalLeavesNothingLive(t *testing.T) {
	trail := audit.NewInMemory()
	consents := consent.NewInMemory(trail)
	m := NewInMemory(&racingLedger{InMemory: consents}, trail)
	ctx := context.Background()

	rec, err := consents.Request(ctx, consent.Request{
		StoryID: "story-1", SiteID: "site-1", AuthorID: "teller-1",
	})
	if err != nil {
		t.Fatalf("request consent: %v", err)
	}
	if _, err := consents.Decide(ctx, rec.ID, consent.OutcomeApprove, "org-1"); err != nil {
		t.Fatalf("approve consent: %v", err)
	}

	if _, err := m.Create(ctx, rec.ID); err != consent.ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	live, _ := m.LiveByConsent(ctx, rec.ID)
	if len(live) != 0 {
		t.Fatalf("distribution registered under a withdrawn consent: %+v", live)
	}
	// A retry reads the real withdrawn state and must not hand out a
	// distribution either.
	if _, err := m.Create(ctx, rec.ID); err != ErrConsentNotApproved {
		t.Fatalf("expected ErrConsentNotApproved on retry, got %v", err)
	}
}

func TestLiveLookups(t *testing.T) {
	m, consents, _ := setup(t)
	ctx := context.Background()
	rec := approvedConsent(t, consents)
	d, err := m.Create(ctx, rec.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	byConsent, _ := m.LiveByConsent(ctx, rec.ID)
	byStory, _ := m.LiveByStory(ctx, "story-1")
	if len(byConsent) != 1 || len(byStory) != 1 {
		t.Fatalf("expected live distribution in both lookups: %v %v", byConsent, byStory)
	}

	if _, err := m.MarkRemovalPending(ctx, d.ID, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("pending: %v", err)
	}
	byStory, _ = m.LiveByStory(ctx, "story-1")
	if len(byStory) != 0 {
		t.Fatalf("removal_pending distribution still counted live: %v", byStory)
	}
}
