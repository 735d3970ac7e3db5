package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"empathyledger.org/internal/consent"
)

// Store backs the syndication engine with Postgres. One Store implements
// the consent ledger, the distribution manager, the audit trail and the
// engagement log, so cross-entity transitions (consent activation on
// distribution create, audit facts) share a transaction.
type Store struct {
	db      *sql.DB
	revoker consent.RevocationEnqueuer
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable. Readiness probe hook.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// SetRevoker wires the revocation coordinator in after construction, same
// contract as the in-memory ledger.
func (s *Store) SetRevoker(r consent.RevocationEnqueuer) { s.revoker = r }

// The domain views share the Store's pool and transaction helpers. Separate
// types because the consent ledger and the distribution manager both expose
// a Get.
type (
	ConsentStore      struct{ *Store }
	DistributionStore struct{ *Store }
	AuditStore        struct{ *Store }
	EngagementStore   struct{ *Store }
)

func (s *Store) Consents() *ConsentStore           { return &ConsentStore{s} }
func (s *Store) Distributions() *DistributionStore { return &DistributionStore{s} }
func (s *Store) Audit() *AuditStore                { return &AuditStore{s} }
func (s *Store) Engagement() *EngagementStore      { return &EngagementStore{s} }

// execer is satisfied by both *sql.DB and *sql.Tx so audit appends can join
// the caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
