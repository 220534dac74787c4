// Package store defines storage interfaces for persisting and retrieving
// bars, orders, and backtest run artifacts.
package store

import (
	"context"
	"errors"
	"time"

	"quantbt/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps failures of the underlying storage engine.
	ErrStorage = errors.New("storage failure")
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// StatusUpdate is one queued order mutation.
type StatusUpdate struct {
	OrderID        string
	Status         domain.OrderStatus
	FilledQty      float64
	FilledAvgPrice float64
	RejectReason   string
	UpdatedAt      time.Time
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts or replaces an order and returns its ID.
	SaveOrder(ctx context.Context, order *domain.Order) (string, error)

	// BatchUpdateStatus applies status mutations in one write.
	BatchUpdateStatus(ctx context.Context, updates []StatusUpdate) error

	// GetOrder retrieves a single order by its ID. It returns ErrNotFound
	// when absent.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns orders matching status, or all orders when status
	// is empty, ordered by creation time then ID.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// Close releases the store.
	Close() error
}
