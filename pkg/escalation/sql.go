package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore persists escalation state in a relational database. It speaks
// plain database/sql with $N placeholders and works against PostgreSQL and
// SQLite. Engine-level striping provides per-user serialization; the store
// itself only needs each Put to be atomic.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS escalation_state (
			user_id          TEXT PRIMARY KEY,
			level            INTEGER NOT NULL,
			level_entered_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalation_violations (
			user_id     TEXT NOT NULL,
			message_id  TEXT NOT NULL,
			score       DOUBLE PRECISION NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalation_violations_user
			ON escalation_violations (user_id, occurred_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init escalation schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, userID string) (*State, error) {
	state := &State{UserID: userID, Level: Clean}

	var level int
	var enteredAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT level, level_entered_at FROM escalation_state WHERE user_id = $1`,
		userID).Scan(&level, &enteredAt)
	switch {
	case err == sql.ErrNoRows:
		return state, nil
	case err != nil:
		return nil, fmt.Errorf("query escalation state: %w", err)
	}
	state.Level = Level(level)
	state.LevelEnteredAt = enteredAt

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, score, occurred_at FROM escalation_violations
		 WHERE user_id = $1 ORDER BY occurred_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v ViolationRef
		if err := rows.Scan(&v.MessageID, &v.Score, &v.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		state.History = append(state.History, v)
	}
	return state, rows.Err()
}

func (s *SQLStore) Put(ctx context.Context, state *State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin escalation put: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO escalation_state (user_id, level, level_entered_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET level = $2, level_entered_at = $3`,
		state.UserID, int(state.Level), state.LevelEnteredAt.UTC()); err != nil {
		return fmt.Errorf("upsert escalation state: %w", err)
	}

	// History is small after pruning; rewriting it keeps the statement set
	// portable across drivers.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM escalation_violations WHERE user_id = $1`, state.UserID); err != nil {
		return fmt.Errorf("clear violations: %w", err)
	}
	for _, v := range state.History {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO escalation_violations (user_id, message_id, score, occurred_at)
			 VALUES ($1, $2, $3, $4)`,
			state.UserID, v.MessageID, v.Score, v.OccurredAt.UTC()); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}
	return tx.Commit()
}
