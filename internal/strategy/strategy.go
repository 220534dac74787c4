// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for managing the strategy instances of a run.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quantbt/internal/domain"
	"quantbt/internal/indicator"
)

// View is what a strategy may see on one bar: the series up to and including
// Cursor, the shared indicator engine, and the strategy's current position.
type View struct {
	Series     *indicator.Series
	Indicators *indicator.Engine
	Cursor     int
	// Position is the signed quantity currently held in the series' symbol.
	Position float64
}

// Bar returns the bar at the cursor.
func (v View) Bar() domain.Bar {
	b, _ := v.Series.Bar(v.Cursor)
	return b
}

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Symbol returns the symbol whose bars drive this strategy.
	Symbol() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnBar is called once per bar of Symbol, in timestamp order. It may
	// return signals together with a non-nil error when some rules failed
	// to evaluate; failed rules contribute no signal.
	OnBar(ctx context.Context, v View) ([]domain.Signal, error)
}

// Tracer is implemented by strategies that keep a per-bar debug trace.
type Tracer interface {
	Trace() []TraceRow
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name(). Names must
// be unique within a registry.
func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.strategies[s.Name()]; dup {
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	r.strategies[s.Name()] = s
	return nil
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForSymbol returns the strategies trading symbol, sorted by name.
func (r *Registry) ForSymbol(symbol string) []Strategy {
	var out []Strategy
	for _, name := range r.List() {
		s, _ := r.Get(name)
		if s.Symbol() == symbol {
			out = append(out, s)
		}
	}
	return out
}
