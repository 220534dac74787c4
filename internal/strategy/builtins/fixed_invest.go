package builtins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*FixedInvest)(nil)

// FixedInvest buys on the first bar and adds on the first bar of every new
// calendar month. It never sells.
type FixedInvest struct {
	symbol string

	mu        sync.Mutex
	lastMonth time.Time
	started   bool
}

// NewFixedInvest creates a periodic-investment strategy for symbol.
func NewFixedInvest(symbol string) *FixedInvest {
	return &FixedInvest{symbol: symbol}
}

// Name returns "fixed_invest:<symbol>".
func (f *FixedInvest) Name() string { return fmt.Sprintf("fixed_invest:%s", f.symbol) }

// Symbol returns the traded symbol.
func (f *FixedInvest) Symbol() string { return f.symbol }

// Init resets the month tracker.
func (f *FixedInvest) Init(_ context.Context) error {
	f.mu.Lock()
	f.started = false
	f.lastMonth = time.Time{}
	f.mu.Unlock()
	return nil
}

// OnBar emits OPEN on the first bar and ADD when the month rolls over.
func (f *FixedInvest) OnBar(_ context.Context, v strategy.View) ([]domain.Signal, error) {
	bar := v.Bar()
	month := time.Date(bar.Timestamp.Year(), bar.Timestamp.Month(), 1, 0, 0, 0, 0, bar.Timestamp.Location())

	f.mu.Lock()
	defer f.mu.Unlock()

	var kind domain.SignalKind
	switch {
	case !f.started:
		kind = domain.SignalOpen
		f.started = true
	case month.After(f.lastMonth):
		kind = domain.SignalAdd
	default:
		return nil, nil
	}
	f.lastMonth = month

	// A rejected initial buy leaves the position flat; retry as OPEN.
	if kind == domain.SignalAdd && v.Position == 0 {
		kind = domain.SignalOpen
	}
	return []domain.Signal{{
		StrategyID: f.Name(),
		Symbol:     f.symbol,
		Kind:       kind,
		Strength:   1,
		Index:      v.Cursor,
		Timestamp:  bar.Timestamp,
	}}, nil
}
