package broker

import (
	"context"
	"errors"
	"fmt"

	"quantbt/internal/domain"
)

// Compile-time interface checks.
var (
	_ Broker = (*SimulatorBroker)(nil)
	_ Quoter = (*SimulatorBroker)(nil)
)

// DefaultCommissionRate is applied when SimulatorConfig leaves it unset.
const DefaultCommissionRate = 0.0003

// ErrUnsupportedOrder is returned for order types the simulator cannot fill.
var ErrUnsupportedOrder = errors.New("unsupported order")

// SimulatorConfig holds the fill model parameters.
type SimulatorConfig struct {
	// Slippage is a fraction applied to the reference price of market fills
	// on either side: fill = ref*(1+Slippage).
	Slippage float64
	// CommissionRate is charged on fill notional.
	CommissionRate float64
}

// SimulatorBroker fills orders against historical bars. It keeps no state;
// positions and cash live in the portfolio ledger.
type SimulatorBroker struct {
	slippage       float64
	commissionRate float64
}

// NewSimulatorBroker creates a SimulatorBroker. A zero CommissionRate falls
// back to DefaultCommissionRate; use a negative rate for commission-free fills.
func NewSimulatorBroker(cfg SimulatorConfig) *SimulatorBroker {
	rate := cfg.CommissionRate
	switch {
	case rate == 0:
		rate = DefaultCommissionRate
	case rate < 0:
		rate = 0
	}
	return &SimulatorBroker{slippage: cfg.Slippage, commissionRate: rate}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// CommissionRate returns the effective commission rate.
func (b *SimulatorBroker) CommissionRate() float64 { return b.commissionRate }

// Execute fills MARKET orders at the bar close adjusted for slippage and
// LIMIT orders at their limit price when the bar's range touches it.
func (b *SimulatorBroker) Execute(_ context.Context, order *domain.Order, bar domain.Bar) (*domain.Fill, error) {
	if order.Symbol != bar.Symbol {
		return nil, fmt.Errorf("order %s for %s executed against %s bar", order.ID, order.Symbol, bar.Symbol)
	}

	var price float64
	switch order.Type {
	case domain.OrderTypeMarket:
		price = b.FillPrice(bar.Close)
	case domain.OrderTypeLimit:
		if !touched(order, bar) {
			return nil, nil
		}
		price = order.Price
	default:
		return nil, fmt.Errorf("order %s type %q: %w", order.ID, order.Type, ErrUnsupportedOrder)
	}
	if price <= 0 {
		return nil, nil
	}

	return &domain.Fill{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      price,
		Qty:        order.Qty,
		Commission: price * order.Qty * b.commissionRate,
		Timestamp:  bar.Timestamp,
	}, nil
}

// FillPrice returns the market fill price for reference price ref.
func (b *SimulatorBroker) FillPrice(ref float64) float64 {
	return ref * (1 + b.slippage)
}

func touched(order *domain.Order, bar domain.Bar) bool {
	if order.Side == domain.OrderSideBuy {
		return bar.Low <= order.Price
	}
	return bar.High >= order.Price
}
