// Package sqlite implements the Quietmind storage interfaces on SQLite.
// A single Store owns the database connection; the payload store, vector
// index, and reminder store views share it.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Schema creates all tables and indexes. Payloads and vectors are distinct
// tables with no foreign key between them: the two stores are independent by
// design, and consistency is handled by ingestion ordering plus reconciliation.
const Schema = `
CREATE TABLE IF NOT EXISTS payloads (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce      BLOB NOT NULL,
	alg        TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_payloads_user ON payloads(user_id);

CREATE TABLE IF NOT EXISTS vectors (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	record_type     TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	sentiment_label TEXT NOT NULL DEFAULT '',
	sentiment_score REAL NOT NULL DEFAULT 0,
	indexed_at      TIMESTAMP NOT NULL,
	embedding       BLOB NOT NULL,
	dimension       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vectors_user_created ON vectors(user_id, created_at);

CREATE TABLE IF NOT EXISTS reminders (
	id                TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL,
	ciphertext        BLOB NOT NULL,
	nonce             BLOB NOT NULL,
	trigger_time      TIMESTAMP NOT NULL,
	recurrence_kind   TEXT NOT NULL DEFAULT 'none',
	recurrence_days   TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL,
	delivery_attempts INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(state, trigger_time);
`

// Store wraps the shared SQLite connection. Use PayloadStore(), VectorIndex(),
// and ReminderStore() to obtain the typed views.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite database, configures WAL mode, and creates the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode allows readers to proceed without blocking
	// the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	// Busy timeout so callers wait instead of getting an immediate
	// SQLITE_BUSY when the connection is held by another goroutine.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// PayloadStore returns the encrypted payload store view.
func (s *Store) PayloadStore() *PayloadStore {
	return &PayloadStore{db: s.db}
}

// VectorIndex returns the vector index view.
func (s *Store) VectorIndex() *VectorIndex {
	return &VectorIndex{db: s.db}
}

// ReminderStore returns the reminder store view.
func (s *Store) ReminderStore() *ReminderStore {
	return &ReminderStore{db: s.db}
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the shared database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
