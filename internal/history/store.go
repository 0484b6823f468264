// Package history archives confirmed change events into PostgreSQL for
// long-term retention and fleet-wide querying. The local SQLite journal is
// the durability buffer; history drains it in the background so a database
// outage never blocks change detection.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filesentry/agent/internal/daemon"
)

// schema is applied on every connect. All statements are idempotent so
// multiple agents can race on first contact with a fresh database.
const schema = `
CREATE TABLE IF NOT EXISTS change_history (
	event_id    TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	path        TEXT NOT NULL,
	mod_time    TIMESTAMPTZ NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_change_history_detected
	ON change_history (detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_change_history_target
	ON change_history (target, detected_at DESC);
`

// Store is the PostgreSQL-backed archive for change events.
//
// Archive is idempotent on event_id, so the journal's at-least-once handoff
// (archive first, mark archived second) can replay a batch after a crash
// without creating duplicate rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a pgxpool connection to dsn, pings the database, and applies
// the archive schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Archive sends all events to PostgreSQL in a single pgx.Batch round-trip.
// Rows that conflict on event_id are silently ignored.
func (s *Store) Archive(ctx context.Context, events []daemon.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO change_history (event_id, target, path, mod_time, detected_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		b.Queue(query, e.EventID, e.Target, e.Path, e.ModTime, e.DetectedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec change event: %w", err)
		}
	}
	return nil
}

// ChangeQuery selects archived change events. The time range applies to the
// detected_at column; Target is an optional exact-match filter.
type ChangeQuery struct {
	From   time.Time
	To     time.Time
	Target string
	Limit  int
	Offset int
}

// QueryChanges returns archived events with detected_at in [q.From, q.To),
// newest first. q.Limit defaults to 100.
func (s *Store) QueryChanges(ctx context.Context, q ChangeQuery) ([]daemon.ChangeEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE detected_at >= $1 AND detected_at < $2"

	if q.Target != "" {
		where += " AND target = $5"
		args = append(args, q.Target)
	}

	sql := fmt.Sprintf(`
		SELECT event_id, target, path, mod_time, detected_at
		FROM   change_history
		%s
		ORDER  BY detected_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var events []daemon.ChangeEvent
	for rows.Next() {
		var e daemon.ChangeEvent
		if err := rows.Scan(&e.EventID, &e.Target, &e.Path, &e.ModTime, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
