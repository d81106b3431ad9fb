// Package store is the local replica of conversation and message state.
// It is the only component permitted to mutate persisted state; the sync
// engine, outbox, and reconciler all write through it. Writes are
// serialized by sqlite itself (WAL, busy timeout), which satisfies the
// single-writer discipline for concurrent upserts on the same message id.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection for the replica database.
type DB struct {
	*sql.DB
}

// Open creates a new sqlite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
