package consent

import (
	"context"
	"strings"
	"sync"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/ids"
)

// Request carries the inbound consent.request payload.
type Request struct {
	StoryID        string `json:"story_id"`
	SiteID         string `json:"site_id"`
	AuthorID       string `json:"author_id"`
	OrganizationID string `json:"organization_id"`
	Terms          Terms  `json:"terms"`
}

// Trigger reasons a withdrawal hands to the revocation coordinator.
const (
	TriggerWithdrawal = "storyteller_withdrawal"
	TriggerExpiry     = "consent_expiry"
)

// RevocationEnqueuer creates a revocation job for every live distribution of
// the consent. Implemented by the revocation coordinator. Withdraw calls it
// synchronously: the withdrawal is not complete until the job exists.
type RevocationEnqueuer interface {
	EnqueueConsent(ctx context.Context, consentID, trigger, reason string) (jobID string, err error)
}

// Ledger defines consent lifecycle operations.
type Ledger interface {
	Request(ctx context.Context, req Request) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Decide(ctx context.Context, id string, outcome Outcome, decidedBy string) (Record, error)
	Activate(ctx context.Context, id string) (Record, error)
	Withdraw(ctx context.Context, id, reason string) (Record, string, error)
	ExpireDue(ctx context.Context, now time.Time) ([]Record, error)
	ListByStory(ctx context.Context, storyID string) ([]Record, error)
}

// InMemory implements Ledger with in-process concurrency safety. A single
// mutex serializes transitions per ledger, which subsumes the per-consent
// serialization the lifecycle requires.
type InMemory struct {
	mu      sync.Mutex
	records map[string]*Record

	trail   audit.Recorder
	revoker RevocationEnqueuer
}

var _ Ledger = (*InMemory)(nil)

// NewInMemory creates a fresh consent ledger. The revoker may be set later
// via SetRevoker to break the construction cycle with the coordinator.
func NewInMemory(trail audit.Recorder) *InMemory {
	return &InMemory{
		records: make(map[string]*Record),
		trail:   trail,
	}
}

// SetRevoker wires the revocation coordinator in after construction.
func (s *InMemory) SetRevoker(r RevocationEnqueuer) { s.revoker = r }

// NormalizeRequest validates an inbound request and applies term defaults.
// Shared by every Ledger implementation so terms semantics do not drift
// between backing stores.
func NormalizeRequest(ctx context.Context, req Request) (Terms, error) {
	if strings.TrimSpace(req.StoryID) == "" || strings.TrimSpace(req.SiteID) == "" || strings.TrimSpace(req.AuthorID) == "" {
		return Terms{}, ErrInvalidTerms
	}
	terms := req.Terms
	if terms.RevenueSharePercent < 0 || terms.RevenueSharePercent > 100 {
		return Terms{}, ErrInvalidTerms
	}
	if terms.CulturalLevel == "" {
		terms.CulturalLevel = LevelPublic
	}
	if !terms.CulturalLevel.Valid() {
		return Terms{}, ErrInvalidTerms
	}
	if terms.CulturalLevel == LevelRestricted {
		// Restricted content always carries the Elder gate. A request that
		// tries to opt out of it is rejected unless an Elder vouches for it,
		// and even then the gate stays on.
		if !terms.RequiresElderApproval && !auth.IsElder(ctx) {
			return Terms{}, ErrInvalidTerms
		}
		terms.RequiresElderApproval = true
	}
	if terms.ExpiresAt != nil && !terms.ExpiresAt.After(time.Now().UTC()) {
		return Terms{}, ErrInvalidTerms
	}
	return terms, nil
}

func (s *InMemory) Request(ctx context.Context, req Request) (Record, error) {
	terms, err := NormalizeRequest(ctx, req)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:             ids.NewPrefixed(ids.PrefixConsent),
		StoryID:        req.StoryID,
		SiteID:         req.SiteID,
		AuthorID:       req.AuthorID,
		OrganizationID: req.OrganizationID,
		Terms:          terms,
		Status:         StatusPending,
		RequestedAt:    time.Now().UTC(),
	}

	// Audit first: the record only becomes visible once the trail has it.
	if _, err := s.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionConsentRequested,
		Category:   audit.CategoryConsent,
		ActorID:    req.AuthorID,
		EntityType: "consent",
		EntityID:   rec.ID,
		Metadata: map[string]string{
			"story_id":       rec.StoryID,
			"site_id":        rec.SiteID,
			"cultural_level": string(terms.CulturalLevel),
		},
	}); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	s.records[rec.ID] = &rec
	s.mu.Unlock()
	return rec, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (s *InMemory) Decide(ctx context.Context, id string, outcome Outcome, decidedBy string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	// A withdrawal that committed first always wins the race with approval.
	if rec.Status != StatusPending {
		return Record{}, ErrInvalidTransition
	}

	switch outcome {
	case OutcomeApprove:
		if rec.RequiresElderApproval && !auth.IsElder(ctx) {
			return Record{}, ErrElderApprovalRequired
		}
		if _, err := s.trail.Append(ctx, audit.Entry{
			Action:     audit.ActionConsentApproved,
			Category:   audit.CategoryConsent,
			ActorID:    decidedBy,
			EntityType: "consent",
			EntityID:   rec.ID,
			Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID},
		}); err != nil {
			return Record{}, err
		}
		now := time.Now().UTC()
		rec.Status = StatusApproved
		rec.DecidedBy = decidedBy
		rec.ApprovedAt = &now
	case OutcomeDecline:
		if _, err := s.trail.Append(ctx, audit.Entry{
			Action:     audit.ActionConsentDeclined,
			Category:   audit.CategoryConsent,
			ActorID:    decidedBy,
			EntityType: "consent",
			EntityID:   rec.ID,
		}); err != nil {
			return Record{}, err
		}
		rec.Status = StatusDeclined
		rec.DecidedBy = decidedBy
	default:
		return Record{}, ErrInvalidTransition
	}
	return *rec, nil
}

// Activate moves approved -> active. Invoked by the distribution manager
// once a distribution actually exists, so "approved but not yet live" stays
// a distinguishable, auditable state.
func (s *InMemory) Activate(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusActive {
		return *rec, nil
	}
	if rec.Status != StatusApproved {
		return Record{}, ErrInvalidTransition
	}
	if _, err := s.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionConsentActivated,
		Category:   audit.CategoryConsent,
		EntityType: "consent",
		EntityID:   rec.ID,
		Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID},
	}); err != nil {
		return Record{}, err
	}
	rec.Status = StatusActive
	return *rec, nil
}

// Withdraw moves approved|active -> withdrawn and synchronously enqueues a
// revocation job. Terminal states are idempotent: withdrawing an already
// withdrawn or expired consent succeeds without a new job.
func (s *InMemory) Withdraw(ctx context.Context, id, reason string) (Record, string, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return Record{}, "", ErrNotFound
	}
	if rec.Status.Terminal() {
		out := *rec
		s.mu.Unlock()
		return out, "", nil
	}
	if rec.Status != StatusApproved && rec.Status != StatusActive {
		s.mu.Unlock()
		return Record{}, "", ErrInvalidTransition
	}
	if _, err := s.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionConsentWithdrawn,
		Category:   audit.CategoryConsent,
		EntityType: "consent",
		EntityID:   rec.ID,
		Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID, "reason": reason},
	}); err != nil {
		s.mu.Unlock()
		return Record{}, "", err
	}
	now := time.Now().UTC()
	rec.Status = StatusWithdrawn
	rec.WithdrawnAt = &now
	out := *rec
	s.mu.Unlock()

	var jobID string
	if s.revoker != nil {
		var err error
		jobID, err = s.revoker.EnqueueConsent(ctx, out.ID, TriggerWithdrawal, reason)
		if err != nil {
			return Record{}, "", err
		}
	}
	return out, jobID, nil
}

// ExpireDue transitions every active consent whose expiry has passed and
// enqueues a consent_expiry revocation job for each. Returns the records it
// expired.
func (s *InMemory) ExpireDue(ctx context.Context, now time.Time) ([]Record, error) {
	s.mu.Lock()
	var due []Record
	for _, rec := range s.records {
		if rec.Status != StatusActive && rec.Status != StatusApproved {
			continue
		}
		if rec.ExpiresAt == nil || rec.ExpiresAt.After(now) {
			continue
		}
		if _, err := s.trail.Append(ctx, audit.Entry{
			Action:     audit.ActionConsentExpired,
			Category:   audit.CategoryConsent,
			EntityType: "consent",
			EntityID:   rec.ID,
			Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID},
		}); err != nil {
			s.mu.Unlock()
			return due, err
		}
		rec.Status = StatusExpired
		due = append(due, *rec)
	}
	s.mu.Unlock()

	// Revocation jobs read the distribution manager, so they stay outside
	// the ledger lock.
	for _, rec := range due {
		if s.revoker != nil {
			if _, err := s.revoker.EnqueueConsent(ctx, rec.ID, TriggerExpiry, "consent expired"); err != nil {
				return due, err
			}
		}
	}
	return due, nil
}

func (s *InMemory) ListByStory(ctx context.Context, storyID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []Record
	for _, rec := range s.records {
		if rec.StoryID == storyID {
			res = append(res, *rec)
		}
	}
	return res, nil
}
