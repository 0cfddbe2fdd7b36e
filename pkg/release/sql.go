package release

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLGrantStore persists release grants in a relational database so paid
// pairs survive a daemon restart. It speaks plain database/sql with $N
// placeholders and works against PostgreSQL and SQLite. The unique pair key
// makes Create the idempotency point even across processes.
type SQLGrantStore struct {
	db *sql.DB
}

func NewSQLGrantStore(db *sql.DB) *SQLGrantStore {
	return &SQLGrantStore{db: db}
}

// Init creates the schema if it does not exist.
func (s *SQLGrantStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS release_grants (
			id                TEXT PRIMARY KEY,
			pair_key          TEXT NOT NULL UNIQUE,
			project_id        TEXT NOT NULL,
			party_a           TEXT NOT NULL,
			party_b           TEXT NOT NULL,
			payment_event_ref TEXT,
			granted_at        TIMESTAMP NOT NULL,
			announced         BOOLEAN NOT NULL,
			revoked           BOOLEAN NOT NULL,
			revoked_reason    TEXT,
			revoked_at        TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init release schema: %w", err)
		}
	}
	return nil
}

const grantColumns = `id, project_id, party_a, party_b, payment_event_ref,
	granted_at, announced, revoked, revoked_reason, revoked_at`

func (s *SQLGrantStore) GetByPair(ctx context.Context, projectID, a, b string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM release_grants WHERE pair_key = $1`,
		PairKey(projectID, a, b))
	return scanGrant(row)
}

func (s *SQLGrantStore) GetByID(ctx context.Context, grantID string) (*Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM release_grants WHERE id = $1`, grantID)
	return scanGrant(row)
}

func (s *SQLGrantStore) Create(ctx context.Context, grant *Grant) (*Grant, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO release_grants
		 (id, pair_key, project_id, party_a, party_b, payment_event_ref,
		  granted_at, announced, revoked, revoked_reason, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (pair_key) DO NOTHING`,
		grant.ID, PairKey(grant.ProjectID, grant.PartyA, grant.PartyB),
		grant.ProjectID, grant.PartyA, grant.PartyB, grant.PaymentEventRef,
		grant.GrantedAt.UTC(), grant.Announced, grant.Revoked,
		grant.RevokedReason, nullableTime(grant))
	if err != nil {
		return nil, false, fmt.Errorf("insert release grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert release grant: %w", err)
	}
	if n == 0 {
		existing, err := s.GetByPair(ctx, grant.ProjectID, grant.PartyA, grant.PartyB)
		if err != nil {
			return nil, false, fmt.Errorf("read existing grant: %w", err)
		}
		return existing, false, nil
	}
	cp := *grant
	return &cp, true, nil
}

func (s *SQLGrantStore) Update(ctx context.Context, grant *Grant) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE release_grants
		 SET announced = $2, revoked = $3, revoked_reason = $4, revoked_at = $5
		 WHERE id = $1`,
		grant.ID, grant.Announced, grant.Revoked,
		grant.RevokedReason, nullableTime(grant))
	if err != nil {
		return fmt.Errorf("update release grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update release grant: %w", err)
	}
	if n == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func nullableTime(g *Grant) any {
	if g.RevokedAt.IsZero() {
		return nil
	}
	return g.RevokedAt.UTC()
}

func scanGrant(row *sql.Row) (*Grant, error) {
	var g Grant
	var revokedAt sql.NullTime
	err := row.Scan(&g.ID, &g.ProjectID, &g.PartyA, &g.PartyB,
		&g.PaymentEventRef, &g.GrantedAt, &g.Announced, &g.Revoked,
		&g.RevokedReason, &revokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan release grant: %w", err)
	}
	if revokedAt.Valid {
		g.RevokedAt = revokedAt.Time
	}
	return &g, nil
}
