package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLStore implements Store on database/sql. It works against both Postgres
// and SQLite via standard drivers; the driver is injected at the edge.
//
// The chain head is cached in memory and protected by a mutex: appends are
// single-writer per process, which keeps Seq and PrevHash consistent without
// a SELECT-for-update on every write.
type SQLStore struct {
	db    *sql.DB
	mu    sync.Mutex
	seq   uint64
	head  string
	clock func() time.Time
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL,
	stream TEXT NOT NULL,
	type TEXT NOT NULL,
	actor TEXT,
	severity TEXT,
	payload TEXT,
	ts TIMESTAMP NOT NULL,
	content_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_stream ON audit_log(stream);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
`

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, head: GenesisHash, clock: time.Now}
}

// Init creates the schema and loads the chain head.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT seq, content_hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
	var seq uint64
	var head string
	err := row.Scan(&seq, &head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.seq, s.head = 0, GenesisHash
	case err != nil:
		return fmt.Errorf("audit head: %w", err)
	default:
		s.seq, s.head = seq, head
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, rec Record) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}

	seq := s.seq + 1
	hash, err := hashEntry(seq, rec, s.head)
	if err != nil {
		return Entry{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (seq, event_id, stream, type, actor, severity, payload, ts, content_hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		seq, rec.EventID, rec.Stream, rec.Type, rec.Actor, string(rec.Severity),
		string(rec.Payload), rec.Timestamp, hash, s.head,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("audit append: %w", err)
	}

	entry := Entry{
		Seq: seq, EventID: rec.EventID, Stream: rec.Stream, Type: rec.Type,
		Actor: rec.Actor, Severity: rec.Severity, Payload: rec.Payload,
		Timestamp: rec.Timestamp, ContentHash: hash, PrevHash: s.head,
	}
	s.seq = seq
	s.head = hash
	return entry, nil
}

func (s *SQLStore) Get(ctx context.Context, seq uint64) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, event_id, stream, type, actor, severity, payload, ts, content_hash, prev_hash
		FROM audit_log WHERE seq = $1`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Stream != "" {
		conds = append(conds, "stream = "+arg(f.Stream))
	}
	if f.Type != "" {
		conds = append(conds, "type = "+arg(f.Type))
	}
	if f.Actor != "" {
		conds = append(conds, "actor = "+arg(f.Actor))
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= "+arg(f.Since))
	}

	query := `SELECT seq, event_id, stream, type, actor, severity, payload, ts, content_hash, prev_hash FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Head(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *SQLStore) Len(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var severity, payload string
	err := row.Scan(&e.Seq, &e.EventID, &e.Stream, &e.Type, &e.Actor,
		&severity, &payload, &e.Timestamp, &e.ContentHash, &e.PrevHash)
	if err != nil {
		return Entry{}, err
	}
	e.Severity = Severity(severity)
	if payload != "" {
		e.Payload = []byte(payload)
	}
	return e, nil
}
