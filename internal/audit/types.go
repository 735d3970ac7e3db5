package audit

import (
	"context"
	"errors"
	"time"
)

// Entry is one append-only fact about a syndication state transition.
// Entries are never updated or deleted; corrections and resolutions are new
// entries pointing at the original.
type Entry struct {
	ID                string            `json:"id"`
	OccurredAt        time.Time         `json:"occurred_at"`
	Action            string            `json:"action"`
	Category          string            `json:"category"`
	ActorID           string            `json:"actor_id"`
	EntityType        string            `json:"entity_type"`
	EntityID          string            `json:"entity_id"`
	RequiresAttention bool              `json:"requires_attention,omitempty"`
	ResolvesID        string            `json:"resolves_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Categories group actions for querying.
const (
	CategoryConsent      = "consent"
	CategoryDistribution = "distribution"
	CategoryRevocation   = "revocation"
	CategoryEngagement   = "engagement"
	CategoryOperations   = "operations"
)

// Actions recorded by the syndication engine.
const (
	ActionConsentRequested  = "consent.requested"
	ActionConsentApproved   = "consent.approved"
	ActionConsentDeclined   = "consent.declined"
	ActionConsentActivated  = "consent.activated"
	ActionConsentWithdrawn  = "consent.withdrawn"
	ActionConsentExpired    = "consent.expired"
	ActionDistCreated       = "distribution.created"
	ActionDistPaused        = "distribution.paused"
	ActionDistResumed       = "distribution.resumed"
	ActionDistRemovalReq    = "distribution.removal_requested"
	ActionDistRemoved       = "distribution.removed"
	ActionRevocationCreated = "revocation.job_created"
	ActionRevocationRetry   = "revocation.delivery_retried"
	ActionRevocationEscal   = "revocation.escalated"
	ActionRevocationClosed  = "revocation.resolved"
	ActionEngagementAnomaly = "engagement.anomaly"
	ActionAuditResolved     = "audit.resolved"
)

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	EntityID          string
	EntityType        string
	ActorID           string
	Category          string
	Action            string
	From              time.Time
	To                time.Time
	RequiresAttention *bool
	Limit             int
}

var (
	ErrNotFound        = errors.New("audit: entry not found")
	ErrInvalidEntry    = errors.New("audit: invalid entry")
	ErrNoAttentionFlag = errors.New("audit: entry does not require attention")
)

// Trail is the append-only system of record for compliance questions.
// Append is the only write; Resolve appends a resolution fact referencing
// the original entry and never alters it.
type Trail interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	Resolve(ctx context.Context, entryID, resolvedBy string) (Entry, error)
}

// Recorder is the narrow write-only dependency handed to other components.
type Recorder interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
}
