// Package journal provides a WAL-mode SQLite-backed journal of confirmed
// file changes for the filesentry daemon. It implements the daemon.Journal
// interface and adds Unarchived and MarkArchived operations to support
// at-least-once handoff to the PostgreSQL history archive: events are
// persisted on Record and remain eligible for archiving until the caller
// calls MarkArchived.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other. The
// daemon's event-processing goroutine calls Record while the archiver drains
// with Unarchived/MarkArchived and the REST API pages through Recent.
//
// # At-least-once handoff
//
// The archived column is set to 1 only by MarkArchived. If the process
// crashes between Record and MarkArchived, the event is returned again by
// the next Unarchived call after restart, ensuring every confirmed change
// eventually reaches the archive even when PostgreSQL is temporarily
// unavailable.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/filesentry/agent/internal/daemon"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Journal is a WAL-mode SQLite-backed implementation of daemon.Journal.
// It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	depth atomic.Int64
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS change_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL UNIQUE,
    target      TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    mod_time    TEXT    NOT NULL,
    detected_at TEXT    NOT NULL,
    archived    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_log_pending
    ON change_log (archived, id);
`

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// Open seeds the internal depth counter from the number of rows currently
// marked as unarchived, so Depth() is accurate immediately after a
// crash-recovery restart.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when Record and
	// MarkArchived run concurrently; each call serialises through this
	// connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_log WHERE archived = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count pending rows: %w", err)
	}
	j.depth.Store(count)

	return j, nil
}

// Record persists evt. It implements daemon.Journal. Recording the same
// EventID twice is an error (the column is unique); the daemon assigns a
// fresh UUID per confirmed change so this only guards against bugs.
func (j *Journal) Record(ctx context.Context, evt daemon.ChangeEvent) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO change_log (event_id, target, path, mod_time, detected_at)
		 VALUES (?, ?, ?, ?, ?)`,
		evt.EventID,
		evt.Target,
		evt.Path,
		evt.ModTime.UTC().Format(time.RFC3339Nano),
		evt.DetectedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}

	j.depth.Add(1)
	return nil
}

// Recent returns up to limit change events ordered newest first, skipping
// offset rows, regardless of archive status. It backs the REST API's
// change listing. limit ≤ 0 returns nil without querying.
func (j *Journal) Recent(ctx context.Context, limit, offset int) ([]daemon.ChangeEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT event_id, target, path, mod_time, detected_at
		 FROM   change_log
		 ORDER  BY id DESC
		 LIMIT  ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// PendingEvent is an unarchived change event returned by Unarchived. ID is
// the database primary key used to mark the event archived.
type PendingEvent struct {
	ID  int64
	Evt daemon.ChangeEvent
}

// Unarchived returns up to n unarchived events in insertion order (oldest
// first). It does not mark events as archived; call MarkArchived with the
// returned IDs to do that. If n ≤ 0, Unarchived returns nil without querying
// the database.
func (j *Journal) Unarchived(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_id, target, path, mod_time, detected_at
		 FROM   change_log
		 WHERE  archived = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: unarchived query: %w", err)
	}
	defer rows.Close()

	var events []PendingEvent
	for rows.Next() {
		var (
			pe          PendingEvent
			modStr      string
			detectedStr string
		)
		if err := rows.Scan(
			&pe.ID,
			&pe.Evt.EventID,
			&pe.Evt.Target,
			&pe.Evt.Path,
			&modStr,
			&detectedStr,
		); err != nil {
			return nil, fmt.Errorf("journal: unarchived scan: %w", err)
		}
		pe.Evt.ModTime = parseStoredTime(modStr)
		pe.Evt.DetectedAt = parseStoredTime(detectedStr)
		events = append(events, pe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: unarchived rows: %w", err)
	}
	return events, nil
}

// MarkArchived marks the events identified by ids as archived. Archived
// events are excluded from subsequent Unarchived results. MarkArchived is
// idempotent: calling it multiple times with the same IDs is safe.
//
// The depth counter is decremented by the number of rows whose archived
// column transitions from 0 to 1 (already-archived IDs are skipped).
func (j *Journal) MarkArchived(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := j.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE change_log SET archived = 1 WHERE id IN (%s) AND archived = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("journal: mark archived: %w", err)
	}

	n, _ := result.RowsAffected()
	j.depth.Add(-n)
	return nil
}

// Depth returns the number of unarchived events. It reads from an atomic
// counter updated by Record and MarkArchived, so it never blocks. It
// implements daemon.Journal.
func (j *Journal) Depth() int {
	return int(j.depth.Load())
}

// Close closes the underlying database connection. It implements
// daemon.Journal. Callers must not use the journal after Close returns.
func (j *Journal) Close() error {
	return j.db.Close()
}

// scanEvents reads ChangeEvent rows projected as
// (event_id, target, path, mod_time, detected_at).
func scanEvents(rows *sql.Rows) ([]daemon.ChangeEvent, error) {
	var events []daemon.ChangeEvent
	for rows.Next() {
		var (
			evt         daemon.ChangeEvent
			modStr      string
			detectedStr string
		)
		if err := rows.Scan(&evt.EventID, &evt.Target, &evt.Path, &modStr, &detectedStr); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		evt.ModTime = parseStoredTime(modStr)
		evt.DetectedAt = parseStoredTime(detectedStr)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return events, nil
}

// parseStoredTime parses the stored RFC3339Nano timestamp, falling back to
// RFC3339. A malformed value produces the zero time rather than an error so
// that one bad row does not block listing.
func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
