// Package datasource loads historical bars for the backtest scheduler.
// Sources are looked up through an explicitly constructed Registry.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"quantbt/internal/domain"
)

var (
	// ErrUnknownSource is returned by Registry.Get for an unregistered name.
	ErrUnknownSource = errors.New("unknown data source")
	// ErrUnsorted is returned when bars are not strictly ascending by
	// timestamp or belong to another symbol.
	ErrUnsorted = errors.New("bars not strictly ascending")
	// ErrUnsupportedFrequency is returned for a bar frequency a source
	// cannot serve.
	ErrUnsupportedFrequency = errors.New("unsupported frequency")
)

// Source loads bars for one symbol.
type Source interface {
	// Name returns the registry key (e.g. "parquet", "alpaca").
	Name() string

	// Load returns bars for symbol with timestamps in [start, end], strictly
	// ascending with no duplicate timestamps.
	Load(ctx context.Context, symbol string, start, end time.Time, freq string) ([]domain.Bar, error)
}

// Registry maps source names to sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a registry holding sources.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, s := range sources {
		r.sources[s.Name()] = s
	}
	return r
}

// Register adds s, replacing any source with the same name.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	r.sources[s.Name()] = s
	r.mu.Unlock()
}

// Get returns the source registered under name.
func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return s, nil
}

// Names returns the registered source names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that bars all belong to symbol and are strictly ascending.
func Validate(symbol string, bars []domain.Bar) error {
	for i, b := range bars {
		if !strings.EqualFold(b.Symbol, symbol) {
			return fmt.Errorf("%w: bar %d is %s, want %s", ErrUnsorted, i, b.Symbol, symbol)
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: %s bar %d at %s not after %s",
				ErrUnsorted, symbol, i, b.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

func isDaily(freq string) bool {
	switch strings.ToLower(freq) {
	case "", "1d", "d", "day", "daily":
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// MemorySource
// ---------------------------------------------------------------------------

// MemorySource serves bars held in memory. Tests and the gRPC service use it
// for bars supplied inline.
type MemorySource struct {
	mu   sync.RWMutex
	bars map[string][]domain.Bar
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{bars: make(map[string][]domain.Bar)}
}

// Name returns "memory".
func (m *MemorySource) Name() string { return "memory" }

// Add appends bars, keeping each symbol's bars sorted by timestamp.
func (m *MemorySource) Add(bars ...domain.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := make(map[string]bool)
	for _, b := range bars {
		sym := strings.ToUpper(b.Symbol)
		m.bars[sym] = append(m.bars[sym], b)
		touched[sym] = true
	}
	for sym := range touched {
		s := m.bars[sym]
		sort.SliceStable(s, func(i, j int) bool { return s[i].Timestamp.Before(s[j].Timestamp) })
	}
}

// Load returns the stored bars for symbol within [start, end]. Frequency is
// not interpreted; bars are served as stored.
func (m *MemorySource) Load(_ context.Context, symbol string, start, end time.Time, _ string) ([]domain.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Bar
	for _, b := range m.bars[strings.ToUpper(symbol)] {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	if err := Validate(symbol, out); err != nil {
		return nil, err
	}
	return out, nil
}
