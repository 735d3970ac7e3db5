package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/ids"
)

var _ consent.Ledger = (*ConsentStore)(nil)

const consentCols = `id, story_id, site_id, author_id, coalesce(organization_id,''), status,
	revenue_share_percent, allow_full_story_copy, allow_media_assets, cultural_level,
	requires_elder_approval, expires_at, requested_at, coalesce(decided_by,''), approved_at, withdrawn_at`

func (s *ConsentStore) Request(ctx context.Context, req consent.Request) (consent.Record, error) {
	terms, err := consent.NormalizeRequest(ctx, req)
	if err != nil {
		return consent.Record{}, err
	}
	rec := consent.Record{
		ID:             ids.NewPrefixed(ids.PrefixConsent),
		StoryID:        req.StoryID,
		SiteID:         req.SiteID,
		AuthorID:       req.AuthorID,
		OrganizationID: req.OrganizationID,
		Terms:          terms,
		Status:         consent.StatusPending,
		RequestedAt:    time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return consent.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into consents(id, story_id, site_id, author_id, organization_id, status,
			revenue_share_percent, allow_full_story_copy, allow_media_assets, cultural_level,
			requires_elder_approval, expires_at, requested_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, rec.StoryID, rec.SiteID, rec.AuthorID, nullString(rec.OrganizationID), rec.Status,
		terms.RevenueSharePercent, terms.AllowFullStoryCopy, terms.AllowMediaAssets, terms.CulturalLevel,
		terms.RequiresElderApproval, nullTime(terms.ExpiresAt), rec.RequestedAt); err != nil {
		return consent.Record{}, err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
		Action:     audit.ActionConsentRequested,
		Category:   audit.CategoryConsent,
		ActorID:    rec.AuthorID,
		EntityType: "consent",
		EntityID:   rec.ID,
		Metadata: map[string]string{
			"story_id":       rec.StoryID,
			"site_id":        rec.SiteID,
			"cultural_level": string(terms.CulturalLevel),
		},
	}); err != nil {
		return consent.Record{}, err
	}
	return rec, tx.Commit()
}

func (s *ConsentStore) Get(ctx context.Context, id string) (consent.Record, error) {
	rec, err := scanConsent(s.db.QueryRowContext(ctx, `select `+consentCols+` from consents where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrNotFound
	}
	return rec, err
}

func (s *ConsentStore) Decide(ctx context.Context, id string, outcome consent.Outcome, decidedBy string) (consent.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return consent.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockConsent(ctx, tx, id)
	if err != nil {
		return consent.Record{}, err
	}
	// A withdrawal that committed first always wins the race with approval.
	if rec.Status != consent.StatusPending {
		return consent.Record{}, consent.ErrInvalidTransition
	}

	switch outcome {
	case consent.OutcomeApprove:
		if rec.RequiresElderApproval && !auth.IsElder(ctx) {
			return consent.Record{}, consent.ErrElderApprovalRequired
		}
		now := time.Now().UTC()
		rec.Status = consent.StatusApproved
		rec.DecidedBy = decidedBy
		rec.ApprovedAt = &now
		if _, err := tx.ExecContext(ctx, `
			update consents set status=$2, decided_by=$3, approved_at=$4 where id=$1
		`, id, rec.Status, decidedBy, now); err != nil {
			return consent.Record{}, err
		}
		if _, err := s.appendEntry(ctx, tx, audit.Entry{
			Action:     audit.ActionConsentApproved,
			Category:   audit.CategoryConsent,
			ActorID:    decidedBy,
			EntityType: "consent",
			EntityID:   rec.ID,
			Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID},
		}); err != nil {
			return consent.Record{}, err
		}
	case consent.OutcomeDecline:
		rec.Status = consent.StatusDeclined
		rec.DecidedBy = decidedBy
		if _, err := tx.ExecContext(ctx, `
			update consents set status=$2, decided_by=$3 where id=$1
		`, id, rec.Status, decidedBy); err != nil {
			return consent.Record{}, err
		}
		if _, err := s.appendEntry(ctx, tx, audit.Entry{
			Action:     audit.ActionConsentDeclined,
			Category:   audit.CategoryConsent,
			ActorID:    decidedBy,
			EntityType: "consent",
			EntityID:   rec.ID,
		}); err != nil {
			return consent.Record{}, err
		}
	default:
		return consent.Record{}, consent.ErrInvalidTransition
	}
	return rec, tx.Commit()
}

func (s *ConsentStore) Activate(ctx context.Context, id string) (consent.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return consent.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := s.activateTx(ctx, tx, id)
	if err != nil {
		return consent.Record{}, err
	}
	return rec, tx.Commit()
}

func (s *Store) activateTx(ctx context.Context, tx *sql.Tx, id string) (consent.Record, error) {
	rec, err := lockConsent(ctx, tx, id)
	if err != nil {
		return consent.Record{}, err
	}
	if rec.Status == consent.StatusActive {
		return rec, nil
	}
	if rec.Status != consent.StatusApproved {
		return consent.Record{}, consent.ErrInvalidTransition
	}
	rec.Status = consent.StatusActive
	if _, err := tx.ExecContext(ctx, `update consents set status=$2 where id=$1`, id, rec.Status); err != nil {
		return consent.Record{}, err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
		Action:     audit.ActionConsentActivated,
		Category:   audit.CategoryConsent,
		EntityType: "consent",
		EntityID:   rec.ID,
		Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID},
	}); err != nil {
		return consent.Record{}, err
	}
	return rec, nil
}

func (s *ConsentStore) Withdraw(ctx context.Context, id, reason string) (consent.Record, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return consent.Record{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := lockConsent(ctx, tx, id)
	if err != nil {
		return consent.Record{}, "", err
	}
	if rec.Status.Terminal() {
		return rec, "", tx.Commit()
	}
	if rec.Status != consent.StatusApproved && rec.Status != consent.StatusActive {
		return consent.Record{}, "", consent.ErrInvalidTransition
	}
	now := time.Now().UTC()
	rec.Status = consent.StatusWithdrawn
	rec.WithdrawnAt = &now
	if _, err := tx.ExecContext(ctx, `
		update consents set status=$2, withdrawn_at=$3 where id=$1
	`, id, rec.Status, now); err != nil {
		return consent.Record{}, "", err
	}
	if _, err := s.appendEntry(ctx, tx, audit.Entry{
		Action:     audit.ActionConsentWithdrawn,
		Category:   audit.CategoryConsent,
		EntityType: "consent",
		EntityID:   rec.ID,
		Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID, "reason": reason},
	}); err != nil {
		return consent.Record{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return consent.Record{}, "", err
	}

	var jobID string
	if s.revoker != nil {
		jobID, err = s.revoker.EnqueueConsent(ctx, rec.ID, consent.TriggerWithdrawal, reason)
		if err != nil {
			return consent.Record{}, "", err
		}
	}
	return rec, jobID, nil
}

func (s *ConsentStore) ExpireDue(ctx context.Context, now time.Time) ([]consent.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		update consents set status=$1
		where status in ($2,$3) and expires_at is not null and expires_at <= $4
		returning `+consentCols, consent.StatusExpired, consent.StatusActive, consent.StatusApproved, now.UTC())
	if err != nil {
		return nil, err
	}
	var due []consent.Record
	for rows.Next() {
		rec, err := scanConsent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Status changes and their audit entries commit together.
	for _, rec := range due {
		if _, err := s.appendEntry(ctx, tx, audit.Entry{
			Action:     audit.ActionConsentExpired,
			Category:   audit.CategoryConsent,
			EntityType: "consent",
			EntityID:   rec.ID,
			Metadata:   map[string]string{"story_id": rec.StoryID, "site_id": rec.SiteID},
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, rec := range due {
		if s.revoker != nil {
			if _, err := s.revoker.EnqueueConsent(ctx, rec.ID, consent.TriggerExpiry, "consent expired"); err != nil {
				return due, err
			}
		}
	}
	return due, nil
}

func (s *ConsentStore) ListByStory(ctx context.Context, storyID string) ([]consent.Record, error) {
	rows, err := s.db.QueryContext(ctx, `select `+consentCols+` from consents where story_id=$1 order by requested_at asc`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []consent.Record
	for rows.Next() {
		rec, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func lockConsent(ctx context.Context, tx *sql.Tx, id string) (consent.Record, error) {
	rec, err := scanConsent(tx.QueryRowContext(ctx, `select `+consentCols+` from consents where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrNotFound
	}
	return rec, err
}

func scanConsent(row rowScanner) (consent.Record, error) {
	var rec consent.Record
	var expires, approved, withdrawn sql.NullTime
	var requested time.Time
	if err := row.Scan(&rec.ID, &rec.StoryID, &rec.SiteID, &rec.AuthorID, &rec.OrganizationID, &rec.Status,
		&rec.RevenueSharePercent, &rec.AllowFullStoryCopy, &rec.AllowMediaAssets, &rec.CulturalLevel,
		&rec.RequiresElderApproval, &expires, &requested, &rec.DecidedBy, &approved, &withdrawn); err != nil {
		return consent.Record{}, err
	}
	rec.RequestedAt = requested.UTC()
	rec.ExpiresAt = timePtr(expires)
	rec.ApprovedAt = timePtr(approved)
	rec.WithdrawnAt = timePtr(withdrawn)
	return rec, nil
}
