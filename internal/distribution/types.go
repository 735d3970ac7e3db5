package distribution

import (
	"errors"
	"time"
)

// Status of a distribution.
//
//	active <-> paused
//	active|paused -> removal_pending -> removed | removal_failed
//	removal_failed -> removed (late destination confirmation)
//
// removed is terminal and immutable.
type Status string

const (
	StatusActive         Status = "active"
	StatusPaused         Status = "paused"
	StatusRemovalPending Status = "removal_pending"
	StatusRemoved        Status = "removed"
	StatusRemovalFailed  Status = "removal_failed"
)

// Live reports whether the distribution still counts toward a revocation
// fan-out set.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusPaused
}

// Distribution is the fact that a story is (or was) present on an external
// site. Rows are never deleted; removal is a status transition kept as
// historical fact.
type Distribution struct {
	ID        string `json:"distribution_id"`
	StoryID   string `json:"story_id"`
	SiteID    string `json:"site_id"`
	ConsentID string `json:"consent_id"`

	// RevenueSharePercent is snapshotted from the consent at creation and
	// immutable thereafter, so historical attribution stays stable even if
	// the consent's terms later change.
	RevenueSharePercent int `json:"revenue_share_percentage"`

	Status          Status     `json:"status"`
	DistributedAt   time.Time  `json:"distributed_at"`
	RemovalDeadline *time.Time `json:"removal_deadline,omitempty"`
	RemovedAt       *time.Time `json:"removed_at,omitempty"`
}

var (
	ErrNotFound           = errors.New("distribution: not found")
	ErrConsentNotApproved = errors.New("distribution: consent not approved")
	ErrInvalidTransition  = errors.New("distribution: invalid transition")
)
