package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"empathyledger.org/internal/audit"
)

var _ audit.Trail = (*AuditStore)(nil)

const auditCols = `id, occurred_at, action, category, coalesce(actor_id,''), coalesce(entity_type,''), coalesce(entity_id,''), requires_attention, coalesce(resolves_id,''), metadata`

// Append inserts one immutable audit fact.
func (s *AuditStore) Append(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	return s.appendEntry(ctx, s.db, entry)
}

func (s *Store) appendEntry(ctx context.Context, q execer, entry audit.Entry) (audit.Entry, error) {
	entry, err := audit.Normalize(ctx, entry)
	if err != nil {
		return audit.Entry{}, err
	}
	var meta []byte
	if len(entry.Metadata) > 0 {
		meta, err = json.Marshal(entry.Metadata)
		if err != nil {
			return audit.Entry{}, err
		}
	}
	if _, err := q.ExecContext(ctx, `
		insert into audit_entries(id, occurred_at, action, category, actor_id, entity_type, entity_id, requires_attention, resolves_id, metadata)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.OccurredAt, entry.Action, entry.Category,
		nullString(entry.ActorID), nullString(entry.EntityType), nullString(entry.EntityID),
		entry.RequiresAttention, nullString(entry.ResolvesID), meta); err != nil {
		return audit.Entry{}, err
	}
	audit.Emit(ctx, entry)
	return entry, nil
}

// Query returns entries newest first. Zero filter fields match everything.
func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}
	if f.RequiresAttention != nil {
		add("requires_attention = $%d", *f.RequiresAttention)
		if *f.RequiresAttention {
			// Open items only: a resolution entry closes the original.
			where = append(where, "not exists (select 1 from audit_entries r where r.resolves_id = audit_entries.id)")
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	query := `select ` + auditCols + ` from audit_entries`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by occurred_at desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []audit.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

// Resolve appends a resolution entry pointing at the original; the original
// is never updated. Idempotent: a second resolve returns the first
// resolution.
func (s *AuditStore) Resolve(ctx context.Context, entryID, resolvedBy string) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	orig, err := scanEntry(tx.QueryRowContext(ctx, `select `+auditCols+` from audit_entries where id=$1 for update`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Entry{}, err
	}
	if !orig.RequiresAttention {
		return audit.Entry{}, audit.ErrNoAttentionFlag
	}

	existing, err := scanEntry(tx.QueryRowContext(ctx, `select `+auditCols+` from audit_entries where resolves_id=$1`, entryID))
	if err == nil {
		return existing, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, err
	}

	resolution, err := s.appendEntry(ctx, tx, audit.Entry{
		Action:     audit.ActionAuditResolved,
		Category:   orig.Category,
		ActorID:    resolvedBy,
		EntityType: orig.EntityType,
		EntityID:   orig.EntityID,
		ResolvesID: orig.ID,
	})
	if err != nil {
		return audit.Entry{}, err
	}
	return resolution, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var e audit.Entry
	var occurred time.Time
	var meta []byte
	if err := row.Scan(&e.ID, &occurred, &e.Action, &e.Category, &e.ActorID,
		&e.EntityType, &e.EntityID, &e.RequiresAttention, &e.ResolvesID, &meta); err != nil {
		return audit.Entry{}, err
	}
	e.OccurredAt = occurred.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return audit.Entry{}, err
		}
	}
	return e, nil
}
