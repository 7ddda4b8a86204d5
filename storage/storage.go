// Package storage persists order-tracker snapshots in a local sqlite
// database. The tracker rewrites its full order map after every mutation, so
// Save replaces the whole table in one transaction; a restart then reloads
// the most recent state via Load.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/robotter-hq/mango-connect/orderid"
	"github.com/robotter-hq/mango-connect/ordertracker"
)

//go:embed schema.sql
var schemaDDL string

// Storage is an ordertracker.SnapshotStore backed by sqlite. The database is
// opened with a single connection and all access is serialized through a
// mutex.
type Storage struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

func New(path string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Storage{db: db, logger: logger.WithGroup("storage")}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Save replaces the persisted snapshot with the given order map.
func (s *Storage) Save(orders map[orderid.ClientOrderID]ordertracker.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return fmt.Errorf("clear orders: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (client_order_id, exchange_order_id, market, status, updated_at_utc, payload)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, order := range orders {
		payload, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("marshal order %s: %w", id, err)
		}
		_, err = stmt.ExecContext(ctx,
			id.String(),
			order.ExchangeOrderID.String(),
			order.Market.String(),
			string(order.Status),
			order.UpdatedAt.UTC().UnixMilli(),
			payload,
		)
		if err != nil {
			return fmt.Errorf("insert order %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load returns the most recently saved order map, empty when no snapshot
// has been written yet.
func (s *Storage) Load() (map[orderid.ClientOrderID]ordertracker.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `SELECT client_order_id, payload FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make(map[orderid.ClientOrderID]ordertracker.Order)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		var order ordertracker.Order
		if err := json.Unmarshal(payload, &order); err != nil {
			// A single corrupt row should not block recovery of the rest.
			s.logger.Error("skipping corrupt order row",
				slog.String("client_order_id", id),
				slog.String("error", err.Error()))
			continue
		}
		orders[orderid.ClientOrderID(id)] = order
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}
