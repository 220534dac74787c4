package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quantbt/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	strategy_id      TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	qty              REAL NOT NULL,
	price            REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	time_in_force    TEXT NOT NULL,
	filled_qty       REAL NOT NULL DEFAULT 0,
	filled_avg_price REAL NOT NULL DEFAULT 0,
	reject_reason    TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// SQLiteStore implements OrderStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema, and returns a ready-to-use SQLiteStore. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveOrder inserts or replaces an order row.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO orders
			(id, strategy_id, symbol, side, type, qty, price, status, time_in_force,
			 filled_qty, filled_avg_price, reject_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.StrategyID, o.Symbol, string(o.Side), string(o.Type), o.Qty, o.Price,
		string(o.Status), string(o.TimeInForce), o.FilledQty, o.FilledAvgPrice, o.RejectReason,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("saving order %s: %w: %v", o.ID, ErrStorage, err)
	}
	return o.ID, nil
}

// BatchUpdateStatus applies all updates in a single transaction.
func (s *SQLiteStore) BatchUpdateStatus(ctx context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status batch: %w: %v", ErrStorage, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE orders SET status = ?, filled_qty = ?, filled_avg_price = ?,
			reject_reason = ?, updated_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare status batch: %w: %v", ErrStorage, err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, string(u.Status), u.FilledQty, u.FilledAvgPrice,
			u.RejectReason, u.UpdatedAt.UnixMilli(), u.OrderID); err != nil {
			return fmt.Errorf("updating order %s: %w: %v", u.OrderID, ErrStorage, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status batch: %w: %v", ErrStorage, err)
	}
	return nil
}

const orderColumns = `id, strategy_id, symbol, side, type, qty, price, status, time_in_force,
	filled_qty, filled_avg_price, reject_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.Order, error) {
	var (
		o                        domain.Order
		side, typ, status, tif   string
		createdMillis, updMillis int64
	)
	if err := r.Scan(&o.ID, &o.StrategyID, &o.Symbol, &side, &typ, &o.Qty, &o.Price, &status, &tif,
		&o.FilledQty, &o.FilledAvgPrice, &o.RejectReason, &createdMillis, &updMillis); err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	o.CreatedAt = time.UnixMilli(createdMillis).UTC()
	o.UpdatedAt = time.UnixMilli(updMillis).UTC()
	return &o, nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w: %v", id, ErrStorage, err)
	}
	return o, nil
}

// ListOrders returns orders matching status, or all orders if status is empty.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w: %v", ErrStorage, err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing orders: %w: %v", ErrStorage, err)
	}
	return out, nil
}
