// Package store keeps the received frame history in SQLite (WAL mode).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/shaunagostinho/onkyo-remote/internal/iscp"
)

// DB wraps *sql.DB with frame history helpers.
type DB struct {
	*sql.DB
}

// Record is one stored frame.
type Record struct {
	ID          int64     `json:"id"`
	Command     string    `json:"command"`
	Argument    string    `json:"argument"`
	Description string    `json:"description"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Frame returns the ISCP frame the record was made from.
func (r Record) Frame() iscp.Frame {
	return iscp.Frame{Command: r.Command, Argument: r.Argument}
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// One writer; WAL still lets readers through.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the schema. It is idempotent.
func Migrate(db *DB) error {
	if _, err := db.Exec(ddlFrames); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Insert stores f received at ts and returns its row id.
func (db *DB) Insert(ctx context.Context, f iscp.Frame, ts time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO frames (command, argument, description, received_at) VALUES (?, ?, ?, ?)`,
		f.Command, f.Argument, iscp.Describe(f), ts.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert %s: %w", f, err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit frames, newest first.
func (db *DB) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, command, argument, description, received_at FROM frames ORDER BY received_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ms int64
		if err := rows.Scan(&r.ID, &r.Command, &r.Argument, &r.Description, &ms); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		r.ReceivedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes frames received before cutoff and reports how many went.
func (db *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM frames WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

const ddlFrames = `
CREATE TABLE IF NOT EXISTS frames (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    command     TEXT    NOT NULL,          -- ISCP mnemonic, e.g. PWR
    argument    TEXT    NOT NULL DEFAULT '',
    description TEXT    NOT NULL DEFAULT '',
    received_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_frames_received_at ON frames (received_at DESC);
CREATE INDEX IF NOT EXISTS idx_frames_command ON frames (command);
`
