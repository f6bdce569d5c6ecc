package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	correlation_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	type_name TEXT NOT NULL,
	payload BLOB,
	created_at_utc_ns INTEGER NOT NULL,
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	UNIQUE(aggregate_type, aggregate_id, version)
);

CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);

CREATE TABLE IF NOT EXISTS handler_records (
	message_id TEXT NOT NULL,
	message_type_code TEXT NOT NULL,
	handler_type_code TEXT NOT NULL,
	aggregate_root_id TEXT,
	aggregate_root_type TEXT,
	version INTEGER,
	created_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (message_id, message_type_code, handler_type_code)
);

CREATE TABLE IF NOT EXISTS published_versions (
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (aggregate_type, aggregate_id)
);
`

// SQLite is a Store backed by a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) SaveEvents(ctx context.Context, key AggregateKey, correlationID string, events []EventRecord) error {
	if !key.valid() {
		return ErrEmptyKey
	}
	if len(events) == 0 {
		return nil
	}
	return s.save(ctx, correlationID, []streamEvents{{key: key, events: events}}, events)
}

func (s *SQLite) SaveBatch(ctx context.Context, correlationID string, events []EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	streams, err := groupStreams(events)
	if err != nil {
		return err
	}
	return s.save(ctx, correlationID, streams, events)
}

// save checks and inserts every stream inside one transaction.
func (s *SQLite) save(ctx context.Context, correlationID string, streams []streamEvents, events []EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, st := range streams {
		if err := checkStream(ctx, tx, correlationID, st); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, e := range events {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO events(aggregate_type, aggregate_id, version, correlation_id, event_id, type_name, payload, created_at_utc_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.AggregateType, e.AggregateID, e.Version, correlationID, e.EventID, e.TypeName, e.Payload, created.UnixNano())
		if err != nil {
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			return fmt.Errorf("insert event %s v%d: %w", e.AggregateID, e.Version, err)
		}
	}
	return tx.Commit()
}

func checkStream(ctx context.Context, tx *sql.Tx, correlationID string, st streamEvents) error {
	if correlationID != "" {
		var n int
		err := tx.QueryRowContext(ctx, `
SELECT count(*) FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND correlation_id = ?`,
			st.key.Type, st.key.ID, correlationID).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateCorrelation
		}
	}

	var current int
	err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_type = ? AND aggregate_id = ?`,
		st.key.Type, st.key.ID).Scan(&current)
	if err != nil {
		return err
	}
	return checkContiguous(st.key, current, st.events)
}

func (s *SQLite) FindEvents(ctx context.Context, key AggregateKey, afterVersion int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT aggregate_type, aggregate_id, version, correlation_id, event_id, type_name, payload, created_at_utc_ns
FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND version > ?
ORDER BY version`, key.Type, key.ID, afterVersion)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *SQLite) EventPersisted(ctx context.Context, key AggregateKey, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT count(*) FROM events WHERE aggregate_type = ? AND aggregate_id = ? AND correlation_id = ?`,
		key.Type, key.ID, correlationID).Scan(&n)
	return n > 0, err
}

func (s *SQLite) EventsByCorrelation(ctx context.Context, correlationID string) ([]EventRecord, error) {
	if correlationID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT aggregate_type, aggregate_id, version, correlation_id, event_id, type_name, payload, created_at_utc_ns
FROM events WHERE correlation_id = ? ORDER BY seq`, correlationID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]EventRecord, error) {
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e         EventRecord
			createdNs int64
		)
		if err := rows.Scan(&e.AggregateType, &e.AggregateID, &e.Version, &e.CorrelationID,
			&e.EventID, &e.TypeName, &e.Payload, &createdNs); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Exists(ctx context.Context, messageID, messageTypeCode, handlerTypeCode string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT count(*) FROM handler_records
WHERE message_id = ? AND message_type_code = ? AND handler_type_code = ?`,
		messageID, messageTypeCode, handlerTypeCode).Scan(&n)
	return n > 0, err
}

func (s *SQLite) Add(ctx context.Context, rec HandlerRecord) (bool, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO handler_records(
	message_id, message_type_code, handler_type_code,
	aggregate_root_id, aggregate_root_type, version, created_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.MessageID, rec.MessageTypeCode, rec.HandlerTypeCode,
		rec.AggregateRootID, rec.AggregateRootType, rec.Version, created.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) GetPublishedVersion(ctx context.Context, aggregateType, aggregateID string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `
SELECT version FROM published_versions WHERE aggregate_type = ? AND aggregate_id = ?`,
		aggregateType, aggregateID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// AddOrUpdatePublishedVersion runs as a single conditional statement so
// concurrent partitions never lose an update.
func (s *SQLite) AddOrUpdatePublishedVersion(ctx context.Context, aggregateType, aggregateID string, start, end int) (bool, error) {
	if err := checkRange(start, end); err != nil {
		return false, err
	}
	now := time.Now().UTC().UnixNano()

	var (
		res sql.Result
		err error
	)
	if start == 1 {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO published_versions(aggregate_type, aggregate_id, version, updated_at_utc_ns)
VALUES (?, ?, ?, ?)
ON CONFLICT(aggregate_type, aggregate_id) DO NOTHING`,
			aggregateType, aggregateID, end, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE published_versions SET version = ?, updated_at_utc_ns = ?
WHERE aggregate_type = ? AND aggregate_id = ? AND version = ?`,
			end, now, aggregateType, aggregateID, start-1)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
