package portfolio

import (
	"github.com/shopspring/decimal"

	"quantbt/internal/domain"
)

// TargetWeight is the desired fraction of total equity for one symbol.
type TargetWeight struct {
	Symbol string
	Weight float64
}

// SubmitFunc places an order closing the gap for one symbol and reports
// whether it was accepted.
type SubmitFunc func(symbol string, side domain.OrderSide, qty, price float64) bool

// Rebalance walks targets in the given order and submits one order per
// symbol whose holding value differs from equity*weight. Equity is measured
// once, before any order; symbols later in the slice see whatever cash the
// earlier ones left. A weight of zero liquidates. Negative weights and
// symbols without a known price yield false. A symbol already at target
// yields true without an order.
func (l *Ledger) Rebalance(targets []TargetWeight, submit SubmitFunc) []bool {
	type plan struct {
		ok    bool
		skip  bool
		side  domain.OrderSide
		qty   float64
		price float64
	}

	l.mu.RLock()
	equity := l.equityLocked()
	plans := make([]plan, len(targets))
	for i, t := range targets {
		price, ok := l.lastPrices[t.Symbol]
		if !ok || !price.IsPositive() || t.Weight < 0 {
			continue
		}
		var held decimal.Decimal
		if h, ok := l.holdings[t.Symbol]; ok {
			held = h.qty
		}
		var gap decimal.Decimal
		if t.Weight == 0 {
			gap = held.Neg()
		} else {
			target := equity.Mul(decimal.NewFromFloat(t.Weight))
			gap = target.Sub(held.Mul(price)).Div(price)
		}
		p := plan{ok: true}
		p.price, _ = price.Float64()
		switch gap.Sign() {
		case 0:
			p.skip = true
		case 1:
			p.side = domain.OrderSideBuy
		default:
			p.side = domain.OrderSideSell
		}
		p.qty, _ = gap.Abs().Float64()
		plans[i] = p
	}
	l.mu.RUnlock()

	// Orders are submitted without holding the lock: submission applies
	// fills back into this ledger.
	results := make([]bool, len(targets))
	for i, p := range plans {
		switch {
		case !p.ok:
			results[i] = false
		case p.skip:
			results[i] = true
		default:
			results[i] = submit(targets[i].Symbol, p.side, p.qty, p.price)
		}
	}
	return results
}
