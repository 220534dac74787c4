// Package broker defines the Broker interface and provides implementations
// that turn accepted orders into fills.
package broker

import (
	"context"

	"quantbt/internal/domain"
)

// Broker abstracts order execution against one bar of market data.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Execute attempts to fill order against bar. It returns a nil Fill and
	// nil error when the order could not fill on this bar. Fills are always
	// for the full order quantity.
	Execute(ctx context.Context, order *domain.Order, bar domain.Bar) (*domain.Fill, error)
}

// Quoter is implemented by brokers that can predict the cost of a fill
// before executing it.
type Quoter interface {
	// FillPrice returns the market fill price for reference price ref.
	FillPrice(ref float64) float64
	// CommissionRate returns the commission charged per unit of notional.
	CommissionRate() float64
}
