package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing the app-owned cache ledger. It
// survives remote subscription restarts, so attachment state classified in
// one session is still known in the next.
type DB struct {
	*sql.DB
}

// Open opens the ledger at path, creating the file if absent. WAL with a
// single connection: the download workers and the upload pipeline all write
// here, and one connection keeps them from tripping over SQLITE_BUSY.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	return &DB{db}, nil
}
