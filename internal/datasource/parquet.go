package datasource

import (
	"context"
	"fmt"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/store"
)

// Compile-time interface check.
var _ Source = (*ParquetSource)(nil)

// ParquetSource serves daily bars from the local Parquet bar store.
type ParquetSource struct {
	store  store.BarStore
	market string
}

// NewParquetSource reads bars of market from s.
func NewParquetSource(s store.BarStore, market string) *ParquetSource {
	if market == "" {
		market = string(domain.MarketUS)
	}
	return &ParquetSource{store: s, market: market}
}

// Name returns "parquet".
func (p *ParquetSource) Name() string { return "parquet" }

// Load reads daily bars for symbol.
func (p *ParquetSource) Load(ctx context.Context, symbol string, start, end time.Time, freq string) ([]domain.Bar, error) {
	if !isDaily(freq) {
		return nil, fmt.Errorf("parquet source: %w: %q", ErrUnsupportedFrequency, freq)
	}
	bars, err := p.store.ReadBars(ctx, symbol, p.market, start, end)
	if err != nil {
		return nil, fmt.Errorf("parquet source %s: %w", symbol, err)
	}
	if err := Validate(symbol, bars); err != nil {
		return nil, err
	}
	return bars, nil
}
