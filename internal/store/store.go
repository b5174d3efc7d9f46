// Package store provides the durable position ledger, backed by SQLite.
//
// One row per market id. The ledger is the single source of truth for open
// positions: the trade pipeline and exit monitor never hold their own
// authoritative copy. Upserts are last-write-wins by market id, and the
// database file is plain SQLite, so it can be inspected or migrated offline
// with any sqlite3 tooling.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"manifold-trader/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    market_id     TEXT PRIMARY KEY,
    outcome       TEXT    NOT NULL,
    shares        REAL    NOT NULL,
    last_bet_time INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT    NOT NULL,
    updated_at    TEXT    NOT NULL
);
`

// Store persists positions in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the ledger at the given path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite is single-writer; serializing through one connection avoids
	// SQLITE_BUSY under concurrent mutation paths.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert records or replaces the position for a market (last-write-wins).
// created_at is preserved across updates to the same market id.
func (s *Store) Upsert(ctx context.Context, pos types.Position) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (market_id, outcome, shares, last_bet_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(market_id) DO UPDATE SET
		    outcome       = excluded.outcome,
		    shares        = excluded.shares,
		    last_bet_time = excluded.last_bet_time,
		    updated_at    = excluded.updated_at`,
		pos.MarketID, string(pos.Outcome), pos.Shares, pos.LastBetTime, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.MarketID, err)
	}
	return nil
}

// Get returns the position for a market, or nil if none is held.
func (s *Store) Get(ctx context.Context, marketID string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, outcome, shares, last_bet_time, created_at, updated_at
		FROM positions WHERE market_id = ?`, marketID,
	)

	pos, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", marketID, err)
	}
	return pos, nil
}

// Remove deletes a fully liquidated position. Removing an absent market id
// is a no-op.
func (s *Store) Remove(ctx context.Context, marketID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE market_id = ?`, marketID); err != nil {
		return fmt.Errorf("remove position %s: %w", marketID, err)
	}
	return nil
}

// List returns every open position. Used at startup to rebuild the desired
// subscription set.
func (s *Store) List(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, outcome, shares, last_bet_time, created_at, updated_at
		FROM positions ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		pos, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *pos)
	}
	return positions, rows.Err()
}

// scanPosition reads one row. Timestamps are stored as RFC 3339 text.
func scanPosition(scan func(...any) error) (*types.Position, error) {
	var pos types.Position
	var outcome, createdAt, updatedAt string
	if err := scan(&pos.MarketID, &outcome, &pos.Shares, &pos.LastBetTime, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	pos.Outcome = types.Outcome(outcome)
	pos.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	pos.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &pos, nil
}
