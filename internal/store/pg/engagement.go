package pg

import (
	"context"
	"fmt"
	"time"

	"empathyledger.org/internal/engagement"
)

var _ engagement.Log = (*EngagementStore)(nil)

// AppendEvent persists one immutable engagement fact.
func (s *EngagementStore) AppendEvent(ctx context.Context, e engagement.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into engagement_events(id, distribution_id, event_type, occurred_at, recorded_at)
		values ($1,$2,$3,$4,$5)
	`, e.ID, e.DistributionID, e.Type, e.OccurredAt.UTC(), e.RecordedAt.UTC())
	return err
}

// EventsByDistribution returns events inside the window ordered by
// occurrence time, regardless of arrival order.
func (s *EngagementStore) EventsByDistribution(ctx context.Context, distributionID string, w engagement.Window) ([]engagement.Event, error) {
	query := `select id, distribution_id, event_type, occurred_at, recorded_at from engagement_events where distribution_id=$1`
	args := []any{distributionID}
	if !w.From.IsZero() {
		args = append(args, w.From.UTC())
		query += fmt.Sprintf(" and occurred_at >= $%d", len(args))
	}
	if !w.To.IsZero() {
		args = append(args, w.To.UTC())
		query += fmt.Sprintf(" and occurred_at <= $%d", len(args))
	}
	query += " order by occurred_at asc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []engagement.Event
	for rows.Next() {
		var e engagement.Event
		var occurred, recorded time.Time
		if err := rows.Scan(&e.ID, &e.DistributionID, &e.Type, &occurred, &recorded); err != nil {
			return nil, err
		}
		e.OccurredAt = occurred.UTC()
		e.RecordedAt = recorded.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}
