package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLJournal is a durable Journal backed by libSQL (embedded SQLite fork).
// It keeps the append-only audit history of executions; live execution state
// stays with the engine's in-memory store.
type LibSQLJournal struct {
	db *sql.DB
}

// NewLibSQLJournal opens a libSQL database at the given path, applies the
// journal schema and returns the Journal. The path should be a file URI,
// e.g. "file:/path/to/journal.db".
func NewLibSQLJournal(dbPath string) (*LibSQLJournal, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	j := &LibSQLJournal{db: db}
	if err := j.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *LibSQLJournal) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			step_id TEXT,
			event_type TEXT NOT NULL,
			payload TEXT,
			actor TEXT,
			timestamp TIMESTAMP NOT NULL,
			sequence INTEGER NOT NULL,
			UNIQUE (execution_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_execution ON events (execution_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)`,
	}
	for _, s := range stmts {
		if _, err := j.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. The sequence read and insert run in one transaction so concurrent
// appenders cannot interleave.
func (j *LibSQLJournal) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload),
		nullStr(event.Actor), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for an execution with sequence > since, ordered by
// sequence ASC.
func (j *LibSQLJournal) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, payload, actor, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.StepID = stepID.String
		e.Actor = actor.String
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database.
func (j *LibSQLJournal) Close() error { return j.db.Close() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Journal = (*LibSQLJournal)(nil)
