package distribution

import (
	"context"
	"sync"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/ids"
)

// ConsentLedger is the slice of the consent ledger the manager needs: it
// reads the authorizing record and activates it once the distribution is
// live. Both stores share consent status as a single source of truth.
type ConsentLedger interface {
	Get(ctx context.Context, id string) (consent.Record, error)
	Activate(ctx context.Context, id string) (consent.Record, error)
}

// Manager defines distribution operations.
type Manager interface {
	Create(ctx context.Context, consentID string) (Distribution, error)
	Get(ctx context.Context, id string) (Distribution, error)
	Pause(ctx context.Context, id string) (Distribution, error)
	Resume(ctx context.Context, id string) (Distribution, error)
	MarkRemovalPending(ctx context.Context, id string, deadline time.Time) (Distribution, error)
	MarkRemoved(ctx context.Context, id string) (Distribution, error)
	MarkRemovalFailed(ctx context.Context, id string) (Distribution, error)
	LiveByConsent(ctx context.Context, consentID string) ([]Distribution, error)
	LiveByStory(ctx context.Context, storyID string) ([]Distribution, error)
	ByStory(ctx context.Context, storyID string) ([]Distribution, error)
}

// InMemory implements Manager with in-process concurrency safety.
type InMemory struct {
	mu        sync.Mutex
	dists     map[string]*Distribution
	byConsent map[string]string // consent id -> distribution id (idempotency)

	consents ConsentLedger
	trail    audit.Recorder
}

var _ Manager = (*InMemory)(nil)

// NewInMemory creates an empty distribution manager.
func NewInMemory(consents ConsentLedger, trail audit.Recorder) *InMemory {
	return &InMemory{
		dists:     make(map[string]*Distribution),
		byConsent: make(map[string]string),
		consents:  consents,
		trail:     trail,
	}
}

// Create turns an approved consent into a live distribution. Idempotent:
// the consent id is the unique key, a second call returns the existing
// distribution.
func (m *InMemory) Create(ctx context.Context, consentID string) (Distribution, error) {
	m.mu.Lock()
	if id, ok := m.byConsent[consentID]; ok {
		out := *m.dists[id]
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	rec, err := m.consents.Get(ctx, consentID)
	if err != nil {
		return Distribution{}, err
	}
	if rec.Status != consent.StatusApproved {
		return Distribution{}, ErrConsentNotApproved
	}

	d := Distribution{
		ID:                  ids.NewPrefixed(ids.PrefixDistribution),
		StoryID:             rec.StoryID,
		SiteID:              rec.SiteID,
		ConsentID:           rec.ID,
		RevenueSharePercent: rec.RevenueSharePercent,
		Status:              StatusActive,
		DistributedAt:       time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the lock: a concurrent Create for the same consent may
	// have won.
	if id, ok := m.byConsent[consentID]; ok {
		return *m.dists[id], nil
	}
	// Activate re-reads consent state, so a withdrawal that committed after
	// the read above fails the whole call here, before anything is
	// registered. The lock is held through the insert: a withdrawal's
	// fan-out read cannot run between activation and the distribution
	// becoming visible.
	if _, err := m.consents.Activate(ctx, consentID); err != nil {
		return Distribution{}, err
	}
	if _, err := m.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionDistCreated,
		Category:   audit.CategoryDistribution,
		EntityType: "distribution",
		EntityID:   d.ID,
		Metadata: map[string]string{
			"story_id":   d.StoryID,
			"site_id":    d.SiteID,
			"consent_id": d.ConsentID,
		},
	}); err != nil {
		return Distribution{}, err
	}
	m.dists[d.ID] = &d
	m.byConsent[consentID] = d.ID
	return d, nil
}

func (m *InMemory) Get(ctx context.Context, id string) (Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dists[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	return *d, nil
}

// Pause stops new engagement ingestion without triggering revocation.
func (m *InMemory) Pause(ctx context.Context, id string) (Distribution, error) {
	return m.transition(ctx, id, StatusPaused, audit.ActionDistPaused, map[Status]bool{
		StatusActive: true,
		StatusPaused: true, // idempotent
	})
}

// Resume reverses a pause.
func (m *InMemory) Resume(ctx context.Context, id string) (Distribution, error) {
	return m.transition(ctx, id, StatusActive, audit.ActionDistResumed, map[Status]bool{
		StatusPaused: true,
		StatusActive: true, // idempotent
	})
}

// MarkRemovalPending stamps the compliance deadline when a revocation job
// claims the distribution.
func (m *InMemory) MarkRemovalPending(ctx context.Context, id string, deadline time.Time) (Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dists[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	if d.Status == StatusRemovalPending {
		return *d, nil
	}
	if !d.Status.Live() {
		return Distribution{}, ErrInvalidTransition
	}
	// Audit first: the transition only commits once the trail has the fact.
	dl := deadline.UTC()
	if _, err := m.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionDistRemovalReq,
		Category:   audit.CategoryDistribution,
		EntityType: "distribution",
		EntityID:   d.ID,
		Metadata: map[string]string{
			"story_id": d.StoryID,
			"site_id":  d.SiteID,
			"deadline": dl.Format(time.RFC3339),
		},
	}); err != nil {
		return Distribution{}, err
	}
	d.Status = StatusRemovalPending
	d.RemovalDeadline = &dl
	return *d, nil
}

// MarkRemoved records destination-confirmed removal. Terminal and
// idempotent: a second call does not append a second audit entry.
func (m *InMemory) MarkRemoved(ctx context.Context, id string) (Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dists[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	if d.Status == StatusRemoved {
		return *d, nil
	}
	if _, err := m.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionDistRemoved,
		Category:   audit.CategoryDistribution,
		EntityType: "distribution",
		EntityID:   d.ID,
		Metadata: map[string]string{
			"story_id": d.StoryID,
			"site_id":  d.SiteID,
		},
	}); err != nil {
		return Distribution{}, err
	}
	now := time.Now().UTC()
	d.Status = StatusRemoved
	d.RemovedAt = &now
	return *d, nil
}

// MarkRemovalFailed records a deadline miss. The distribution stays
// removable: a late confirmation may still move it to removed.
func (m *InMemory) MarkRemovalFailed(ctx context.Context, id string) (Distribution, error) {
	m.mu.Lock()
	d, ok := m.dists[id]
	if !ok {
		m.mu.Unlock()
		return Distribution{}, ErrNotFound
	}
	if d.Status == StatusRemoved {
		out := *d
		m.mu.Unlock()
		return out, nil
	}
	d.Status = StatusRemovalFailed
	out := *d
	m.mu.Unlock()
	return out, nil
}

func (m *InMemory) LiveByConsent(ctx context.Context, consentID string) ([]Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Distribution
	if id, ok := m.byConsent[consentID]; ok {
		if d := m.dists[id]; d.Status.Live() {
			res = append(res, *d)
		}
	}
	return res, nil
}

func (m *InMemory) LiveByStory(ctx context.Context, storyID string) ([]Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Distribution
	for _, d := range m.dists {
		if d.StoryID == storyID && d.Status.Live() {
			res = append(res, *d)
		}
	}
	return res, nil
}

// ByStory returns every distribution of the story regardless of status.
// Removed distributions still carry attribution history.
func (m *InMemory) ByStory(ctx context.Context, storyID string) ([]Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Distribution
	for _, d := range m.dists {
		if d.StoryID == storyID {
			res = append(res, *d)
		}
	}
	return res, nil
}

func (m *InMemory) transition(ctx context.Context, id string, to Status, action string, allowedFrom map[Status]bool) (Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dists[id]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	if !allowedFrom[d.Status] {
		return Distribution{}, ErrInvalidTransition
	}
	if d.Status != to {
		if _, err := m.trail.Append(ctx, audit.Entry{
			Action:     action,
			Category:   audit.CategoryDistribution,
			EntityType: "distribution",
			EntityID:   d.ID,
			Metadata:   map[string]string{"story_id": d.StoryID, "site_id": d.SiteID},
		}); err != nil {
			return Distribution{}, err
		}
		d.Status = to
	}
	return *d, nil
}
