// Package db provides the sqlite-backed persistence for the trading core:
// the order store, the strategy-state store, and the append-only
// account-snapshot store. Each store is exposed as an interface so tests and
// alternative engines can swap the implementation; any engine that preserves
// atomic update semantics per row is acceptable.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"tradecore/pkg/types"
)

// ErrNotFound is returned when a keyed read matches no row.
var ErrNotFound = errors.New("db: not found")

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	Status     types.OrderStatus
	StrategyID string
	Symbol     types.Symbol
	Exchange   string
}

// OrderStore persists the order trail.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*types.Order, error)
	DeleteOrder(ctx context.Context, id string) error
}

// StrategyStateStore persists strategy snapshots keyed by strategy id.
type StrategyStateStore interface {
	SaveState(ctx context.Context, strategyID string, snapshot []byte) error
	GetState(ctx context.Context, strategyID string) ([]byte, error)
	DeleteState(ctx context.Context, strategyID string) error
}

// AccountSnapshotStore appends timestamped account snapshots for analytics.
type AccountSnapshotStore interface {
	AppendSnapshot(ctx context.Context, exchange string, at time.Time, payload []byte) error
	ListSnapshots(ctx context.Context, exchange string, since time.Time, limit int) ([]SnapshotRow, error)
}

// SnapshotRow is one persisted account snapshot.
type SnapshotRow struct {
	ID       int64
	Exchange string
	At       time.Time
	Payload  []byte
}

// Database wraps the SQL handle and implements all three stores.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1) // SQLite prefers a single writer.
	handle.SetConnMaxLifetime(time.Hour)

	d := &Database{DB: handle}
	if err := d.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
