package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/distribution"
	"empathyledger.org/internal/ids"
)

var _ distribution.Manager = (*DistributionStore)(nil)

const distCols = `id, consent_id, story_id, site_id, revenue_share_percent, status, distributed_at, removal_deadline, removed_at`

// Create turns an approved consent into a live distribution. The consent
// row is locked so a concurrent Create for the same consent serializes; the
// unique consent_id key makes the operation idempotent.
func (s *DistributionStore) Create(ctx context.Context, consentID string) (distribution.Distribution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return distribution.Distribution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockConsent(ctx, tx, consentID)
	if err != nil {
		return distribution.Distribution{}, err
	}

	existing, err := scanDistribution(tx.QueryRowContext(ctx, `select `+distCols+` from distributions where consent_id=$1`, consentID))
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return distribution.Distribution{}, err
	}

	if rec.Status != consent.StatusApproved {
		return distribution.Distribution{}, distribution.ErrConsentNotApproved
	}

	d := distribution.Distribution{
		ID:                  ids.NewPrefixed(ids.PrefixDistribution),
		StoryID:             rec.StoryID,
		SiteID:              rec.SiteID,
		ConsentID:           rec.ID,
		RevenueSharePercent: rec.RevenueSharePercent,
		Status:              distribution.StatusActive,
		DistributedAt:       time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into distributions(id, consent_id, story_id, site_id, revenue_share_percent, status, distributed_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, d.ID, d.ConsentID, d.StoryID, d.SiteID, d.RevenueSharePercent, d.Status, d.DistributedAt); err != nil {
		return distribution.Distribution{}, err
	}
	if _, err := s.activateTx(ctx, tx, consentID); err != nil {
		return distribution.Distribution{}, err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
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
		return distribution.Distribution{}, err
	}
	return d, tx.Commit()
}

func (s *DistributionStore) Get(ctx context.Context, id string) (distribution.Distribution, error) {
	d, err := scanDistribution(s.db.QueryRowContext(ctx, `select `+distCols+` from distributions where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return distribution.Distribution{}, distribution.ErrNotFound
	}
	return d, err
}

func (s *DistributionStore) Pause(ctx context.Context, id string) (distribution.Distribution, error) {
	return s.transition(ctx, id, distribution.StatusPaused, audit.ActionDistPaused,
		distribution.StatusActive, distribution.StatusPaused)
}

func (s *DistributionStore) Resume(ctx context.Context, id string) (distribution.Distribution, error) {
	return s.transition(ctx, id, distribution.StatusActive, audit.ActionDistResumed,
		distribution.StatusPaused, distribution.StatusActive)
}

func (s *DistributionStore) MarkRemovalPending(ctx context.Context, id string, deadline time.Time) (distribution.Distribution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return distribution.Distribution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDistribution(ctx, tx, id)
	if err != nil {
		return distribution.Distribution{}, err
	}
	if d.Status == distribution.StatusRemovalPending {
		return d, tx.Commit()
	}
	if !d.Status.Live() {
		return distribution.Distribution{}, distribution.ErrInvalidTransition
	}
	dl := deadline.UTC()
	d.Status = distribution.StatusRemovalPending
	d.RemovalDeadline = &dl
	if _, err := tx.ExecContext(ctx, `
		update distributions set status=$2, removal_deadline=$3 where id=$1
	`, id, d.Status, dl); err != nil {
		return distribution.Distribution{}, err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
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
		return distribution.Distribution{}, err
	}
	return d, tx.Commit()
}

func (s *DistributionStore) MarkRemoved(ctx context.Context, id string) (distribution.Distribution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return distribution.Distribution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDistribution(ctx, tx, id)
	if err != nil {
		return distribution.Distribution{}, err
	}
	if d.Status == distribution.StatusRemoved {
		return d, tx.Commit()
	}
	now := time.Now().UTC()
	d.Status = distribution.StatusRemoved
	d.RemovedAt = &now
	if _, err := tx.ExecContext(ctx, `
		update distributions set status=$2, removed_at=$3 where id=$1
	`, id, d.Status, now); err != nil {
		return distribution.Distribution{}, err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
		Action:     audit.ActionDistRemoved,
		Category:   audit.CategoryDistribution,
		EntityType: "distribution",
		EntityID:   d.ID,
		Metadata:   map[string]string{"story_id": d.StoryID, "site_id": d.SiteID},
	}); err != nil {
		return distribution.Distribution{}, err
	}
	return d, tx.Commit()
}

func (s *DistributionStore) MarkRemovalFailed(ctx context.Context, id string) (distribution.Distribution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return distribution.Distribution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDistribution(ctx, tx, id)
	if err != nil {
		return distribution.Distribution{}, err
	}
	if d.Status == distribution.StatusRemoved {
		return d, tx.Commit()
	}
	d.Status = distribution.StatusRemovalFailed
	if _, err := tx.ExecContext(ctx, `update distributions set status=$2 where id=$1`, id, d.Status); err != nil {
		return distribution.Distribution{}, err
	}
	return d, tx.Commit()
}

func (s *DistributionStore) LiveByConsent(ctx context.Context, consentID string) ([]distribution.Distribution, error) {
	return s.listLive(ctx, `consent_id`, consentID)
}

func (s *DistributionStore) LiveByStory(ctx context.Context, storyID string) ([]distribution.Distribution, error) {
	return s.listLive(ctx, `story_id`, storyID)
}

// ByStory returns every distribution of the story regardless of status.
func (s *DistributionStore) ByStory(ctx context.Context, storyID string) ([]distribution.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+distCols+` from distributions where story_id=$1 order by distributed_at asc
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []distribution.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *DistributionStore) listLive(ctx context.Context, col, val string) ([]distribution.Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+distCols+` from distributions
		where `+col+`=$1 and status in ($2,$3)
		order by distributed_at asc
	`, val, distribution.StatusActive, distribution.StatusPaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []distribution.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (s *DistributionStore) transition(ctx context.Context, id string, to distribution.Status, action string, allowed ...distribution.Status) (distribution.Distribution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return distribution.Distribution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := lockDistribution(ctx, tx, id)
	if err != nil {
		return distribution.Distribution{}, err
	}
	ok := false
	for _, from := range allowed {
		if d.Status == from {
			ok = true
			break
		}
	}
	if !ok {
		return distribution.Distribution{}, distribution.ErrInvalidTransition
	}
	if d.Status == to {
		return d, tx.Commit()
	}
	d.Status = to
	if _, err := tx.ExecContext(ctx, `update distributions set status=$2 where id=$1`, id, to); err != nil {
		return distribution.Distribution{}, err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
		Action:     action,
		Category:   audit.CategoryDistribution,
		EntityType: "distribution",
		EntityID:   d.ID,
		Metadata:   map[string]string{"story_id": d.StoryID, "site_id": d.SiteID},
	}); err != nil {
		return distribution.Distribution{}, err
	}
	return d, tx.Commit()
}

func lockDistribution(ctx context.Context, tx *sql.Tx, id string) (distribution.Distribution, error) {
	d, err := scanDistribution(tx.QueryRowContext(ctx, `select `+distCols+` from distributions where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return distribution.Distribution{}, distribution.ErrNotFound
	}
	return d, err
}

func scanDistribution(row rowScanner) (distribution.Distribution, error) {
	var d distribution.Distribution
	var distributed time.Time
	var deadline, removed sql.NullTime
	if err := row.Scan(&d.ID, &d.ConsentID, &d.StoryID, &d.SiteID, &d.RevenueSharePercent,
		&d.Status, &distributed, &deadline, &removed); err != nil {
		return distribution.Distribution{}, err
	}
	d.DistributedAt = distributed.UTC()
	d.RemovalDeadline = timePtr(deadline)
	d.RemovedAt = timePtr(removed)
	return d, nil
}
