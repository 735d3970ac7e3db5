package consent

import (
	"errors"
	"time"
)

// PermissionLevel is the cultural access level a storyteller assigned to the
// story's content.
type PermissionLevel string

const (
	LevelPublic     PermissionLevel = "public"
	LevelCommunity  PermissionLevel = "community"
	LevelRestricted PermissionLevel = "restricted"
)

func (l PermissionLevel) Valid() bool {
	switch l {
	case LevelPublic, LevelCommunity, LevelRestricted:
		return true
	}
	return false
}

// Status is the consent lifecycle state.
//
//	pending  -> approved | declined
//	approved -> active | withdrawn
//	active   -> withdrawn | expired
//
// declined, withdrawn and expired are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDeclined  Status = "declined"
	StatusActive    Status = "active"
	StatusWithdrawn Status = "withdrawn"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusWithdrawn, StatusExpired:
		return true
	}
	return false
}

// Outcome of a Decide call.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeDecline Outcome = "decline"
)

// Terms are the storyteller's distribution conditions. They are validated on
// request and copied verbatim onto the record; later edits never rewrite the
// terms a distribution was created under (the distribution snapshots the
// revenue share).
type Terms struct {
	RevenueSharePercent   int             `json:"revenue_share_percentage"`
	AllowFullStoryCopy    bool            `json:"allow_full_story_copy"`
	AllowMediaAssets      bool            `json:"allow_media_assets"`
	CulturalLevel         PermissionLevel `json:"cultural_permission_level"`
	RequiresElderApproval bool            `json:"requires_elder_approval"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
}

// Record is one storyteller's grant of distribution rights for one story to
// one destination site. Records are never physically deleted; withdrawal is
// a status transition kept for audit completeness.
type Record struct {
	ID             string `json:"consent_id"`
	StoryID        string `json:"story_id"`
	SiteID         string `json:"site_id"`
	AuthorID       string `json:"author_id"`
	OrganizationID string `json:"organization_id"`

	Terms

	Status      Status     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`
}

var (
	ErrNotFound              = errors.New("consent: not found")
	ErrInvalidTerms          = errors.New("consent: invalid terms")
	ErrInvalidTransition     = errors.New("consent: invalid transition")
	ErrElderApprovalRequired = errors.New("consent: elder approval required")
)
