package revocation

import (
	"errors"
	"time"
)

// Triggers a revocation job can be created for. The trigger drives the
// compliance deadline: moderation pull-downs are far tighter than
// storyteller withdrawals.
const (
	TriggerWithdrawal = "storyteller_withdrawal"
	TriggerModeration = "moderation_pulldown"
	TriggerExpiry     = "consent_expiry"
)

// EntryStatus tracks one distribution inside a job.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryConfirmed EntryStatus = "confirmed"
	EntryFailed    EntryStatus = "failed"
)

func (s EntryStatus) Terminal() bool { return s == EntryConfirmed || s == EntryFailed }

// Job is one revocation run: the set of distributions that must come down,
// the deadline they must come down by, and the per-distribution outcome.
// A distribution marked failed at the deadline may still move to confirmed
// when the destination acknowledges late.
type Job struct {
	ID            string                 `json:"id"`
	Trigger       string                 `json:"trigger"`
	Reason        string                 `json:"reason,omitempty"`
	InitiatedBy   string                 `json:"initiated_by,omitempty"`
	ConsentID     string                 `json:"consent_id,omitempty"`
	StoryID       string                 `json:"story_id,omitempty"`
	Deadline      time.Time              `json:"deadline"`
	CreatedAt     time.Time              `json:"created_at"`
	ResolvedAt    *time.Time             `json:"resolved_at,omitempty"`
	Distributions map[string]EntryStatus `json:"distributions"`

	// RequiresAttention is set while any distribution sits in failed.
	RequiresAttention bool `json:"requires_attention,omitempty"`
}

// Resolved reports whether every distribution reached a terminal status.
func (j Job) Resolved() bool { return j.ResolvedAt != nil }

var (
	ErrNotFound       = errors.New("revocation: job not found")
	ErrUnknownTrigger = errors.New("revocation: unknown trigger")
)
