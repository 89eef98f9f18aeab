package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection that backs the local message cache.
// Writes issued through the query builder are serialized by writeMu.
type DB struct {
	*sql.DB
	writeMu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// Query returns a fresh builder bound to the database.
func (db *DB) Query() *Builder {
	return &Builder{db: db}
}

// Tx is a write transaction. Builders obtained from it run inside the
// transaction and skip the write queue, which the transaction already holds.
type Tx struct {
	db *DB
	tx *sql.Tx
}

// Query returns a builder bound to the transaction.
func (t *Tx) Query() *Builder {
	return &Builder{db: t.db, tx: t.tx}
}

// InTx runs fn inside a transaction holding the write queue. The
// transaction commits when fn returns nil and rolls back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Tx{db: db, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
