// Package storage keeps the transfer journal: one row per finished relay,
// for the dashboard and the history API. Transferred bytes are never stored.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// MemoryDSN keeps the journal in process memory.
const MemoryDSN = ":memory:"

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema
// migrations. MemoryDSN gives a private in-memory journal.
func NewDB(path string) (*DB, error) {
	dsn := path
	if path != MemoryDSN && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Each connection to :memory: is its own database.
	if path == MemoryDSN {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS transfers (
    id TEXT PRIMARY KEY,
    file_id TEXT NOT NULL,
    status TEXT NOT NULL,
    bytes INTEGER NOT NULL DEFAULT 0,
    partial INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_finished ON transfers(finished_at);
`
	_, err := d.db.Exec(schema)
	return err
}

// --- Transfer journal ---

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordTransfer inserts a finished transfer.
func (d *DB) RecordTransfer(t *Transfer) error {
	_, err := d.db.Exec(
		`INSERT INTO transfers (id, file_id, status, bytes, partial, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FileID, t.Status, t.Bytes, boolToInt(t.Partial), t.Error, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// ListRecentTransfers returns up to limit transfers, most recently finished
// first.
func (d *DB) ListRecentTransfers(limit int) ([]Transfer, error) {
	rows, err := d.db.Query(
		`SELECT id, file_id, status, bytes, partial, COALESCE(error, ''), started_at, finished_at
		 FROM transfers ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer
	for rows.Next() {
		var t Transfer
		var partial int
		if err := rows.Scan(&t.ID, &t.FileID, &t.Status, &t.Bytes, &partial, &t.Error, &t.StartedAt, &t.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		t.Partial = partial != 0
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// PruneTransfersBefore deletes transfers that finished before the given unix
// time and returns the number removed.
func (d *DB) PruneTransfersBefore(before int64) (int, error) {
	res, err := d.db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune transfers rows affected: %w", err)
	}
	return int(n), nil
}
