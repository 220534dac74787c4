// Package portfolio tracks cash, positions, average cost, and profit and
// loss for one simulated account.
package portfolio

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"quantbt/internal/domain"
)

// ErrInvalidFill is returned for fills with non-positive price or quantity
// or an unknown side.
var ErrInvalidFill = errors.New("invalid fill")

type holding struct {
	qty      decimal.Decimal // signed
	avgCost  decimal.Decimal
	realized decimal.Decimal
}

// Ledger is the single owner of portfolio state. All amounts are kept as
// decimals so a position closed by offsetting fills reaches exactly zero.
type Ledger struct {
	log *slog.Logger

	mu          sync.RWMutex
	initialCash decimal.Decimal
	cash        decimal.Decimal
	holdings    map[string]*holding
	lastPrices  map[string]decimal.Decimal
	realized    decimal.Decimal
	commissions decimal.Decimal
}

// NewLedger creates a ledger holding initialCash and no positions.
func NewLedger(initialCash float64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	c := decimal.NewFromFloat(initialCash)
	return &Ledger{
		log:         logger.With("component", "ledger"),
		initialCash: c,
		cash:        c,
		holdings:    make(map[string]*holding),
		lastPrices:  make(map[string]decimal.Decimal),
	}
}

// ApplyFill books a fill and returns the P&L it realized. Same-direction
// fills re-average the cost; reducing fills leave it unchanged; a fill that
// crosses through zero opens the remainder at the fill price. The position
// is removed when its quantity reaches exactly zero.
func (l *Ledger) ApplyFill(f domain.Fill) (float64, error) {
	if f.Qty <= 0 || f.Price <= 0 {
		return 0, fmt.Errorf("fill for order %s: qty=%v price=%v: %w", f.OrderID, f.Qty, f.Price, ErrInvalidFill)
	}
	qty := decimal.NewFromFloat(f.Qty)
	price := decimal.NewFromFloat(f.Price)
	commission := decimal.NewFromFloat(f.Commission)
	notional := price.Mul(qty)

	var delta decimal.Decimal
	switch f.Side {
	case domain.OrderSideBuy:
		delta = qty
	case domain.OrderSideSell:
		delta = qty.Neg()
	default:
		return 0, fmt.Errorf("fill for order %s: side %q: %w", f.OrderID, f.Side, ErrInvalidFill)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holdings[f.Symbol]
	if !ok {
		h = &holding{}
		l.holdings[f.Symbol] = h
	}
	old := h.qty
	next := old.Add(delta)
	realized := decimal.Zero

	switch {
	case old.IsZero() || old.Sign() == delta.Sign():
		// (old_qty*old_avg + fill_qty*fill_price) / new_qty
		h.avgCost = old.Abs().Mul(h.avgCost).Add(notional).Div(next.Abs())
	default:
		closed := decimal.Min(qty, old.Abs())
		realized = price.Sub(h.avgCost).Mul(closed)
		if old.Sign() < 0 {
			realized = realized.Neg()
		}
		if qty.GreaterThan(old.Abs()) {
			h.avgCost = price
		}
	}
	h.qty = next
	h.realized = h.realized.Add(realized)
	l.realized = l.realized.Add(realized)
	l.commissions = l.commissions.Add(commission)
	l.lastPrices[f.Symbol] = price

	if f.Side == domain.OrderSideBuy {
		l.cash = l.cash.Sub(notional).Sub(commission)
	} else {
		l.cash = l.cash.Add(notional).Sub(commission)
	}

	if next.IsZero() {
		delete(l.holdings, f.Symbol)
	}

	r, _ := realized.Float64()
	l.log.Debug("fill applied",
		"order_id", f.OrderID, "symbol", f.Symbol, "side", f.Side,
		"qty", f.Qty, "price", f.Price, "realized", r)
	return r, nil
}

// MarkPrice records the latest known price for symbol.
func (l *Ledger) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	l.lastPrices[symbol] = decimal.NewFromFloat(price)
	l.mu.Unlock()
}

// LastPrice returns the latest known price for symbol.
func (l *Ledger) LastPrice(symbol string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.lastPrices[symbol]
	if !ok {
		return 0, false
	}
	f, _ := p.Float64()
	return f, true
}

// TotalEquity returns cash plus the marked value of every position.
func (l *Ledger) TotalEquity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, _ := l.equityLocked().Float64()
	return f
}

func (l *Ledger) equityLocked() decimal.Decimal {
	eq := l.cash
	for sym, h := range l.holdings {
		eq = eq.Add(h.qty.Mul(l.lastPrices[sym]))
	}
	return eq
}

// Cash returns available cash.
func (l *Ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, _ := l.cash.Float64()
	return f
}

// InitialCash returns the starting capital.
func (l *Ledger) InitialCash() float64 {
	f, _ := l.initialCash.Float64()
	return f
}

// RealizedPnL returns the total realized P&L, before commissions.
func (l *Ledger) RealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, _ := l.realized.Float64()
	return f
}

// Commissions returns the total commission paid.
func (l *Ledger) Commissions() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, _ := l.commissions.Float64()
	return f
}

// PositionQty returns the signed quantity held in symbol, zero if none.
func (l *Ledger) PositionQty(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.holdings[symbol]
	if !ok {
		return 0
	}
	f, _ := h.qty.Float64()
	return f
}

// Position returns a snapshot of the position in symbol.
func (l *Ledger) Position(symbol string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.holdings[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return l.snapshotLocked(symbol, h), true
}

// Snapshot returns every open position sorted by symbol.
func (l *Ledger) Snapshot() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Position, 0, len(l.holdings))
	for sym, h := range l.holdings {
		out = append(out, l.snapshotLocked(sym, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) snapshotLocked(symbol string, h *holding) domain.Position {
	last := l.lastPrices[symbol]
	mv := h.qty.Mul(last)
	unrealized := last.Sub(h.avgCost).Mul(h.qty)
	p := domain.Position{Symbol: symbol}
	p.Qty, _ = h.qty.Float64()
	p.AvgCost, _ = h.avgCost.Float64()
	p.LastPrice, _ = last.Float64()
	p.MarketValue, _ = mv.Float64()
	p.RealizedPnL, _ = h.realized.Float64()
	p.UnrealizedPnL, _ = unrealized.Float64()
	return p
}

// Account returns the account view consulted by risk checks.
func (l *Ledger) Account() domain.AccountInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info := domain.AccountInfo{Positions: make(map[string]float64, len(l.holdings))}
	info.Equity, _ = l.equityLocked().Float64()
	info.Cash, _ = l.cash.Float64()
	info.BuyingPower = info.Cash
	for sym, h := range l.holdings {
		info.Positions[sym], _ = h.qty.Float64()
	}
	return info
}
