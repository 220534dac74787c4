// Package indicator maintains per-symbol bar series and the cached,
// incrementally extended indicator columns computed over them.
package indicator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"quantbt/internal/domain"
)

var (
	// ErrUnknownColumn is returned when a column name is not a bar field.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrOutOfRange is returned when a row index is outside the series.
	ErrOutOfRange = errors.New("index out of range")
	// ErrNotAscending is returned by Append when a bar does not strictly
	// follow the previous one in time.
	ErrNotAscending = errors.New("bar timestamp not strictly increasing")
)

// Column names addressable from rule expressions.
const (
	ColumnOpen       = "open"
	ColumnHigh       = "high"
	ColumnLow        = "low"
	ColumnClose      = "close"
	ColumnVolume     = "volume"
	ColumnVWAP       = "vwap"
	ColumnTradeCount = "trade_count"
)

// IsColumn reports whether name (case-insensitive) is a bar column.
func IsColumn(name string) bool {
	switch strings.ToLower(name) {
	case ColumnOpen, ColumnHigh, ColumnLow, ColumnClose, ColumnVolume, ColumnVWAP, ColumnTradeCount:
		return true
	}
	return false
}

// Series is the append-only bar history of one symbol. It is safe for
// concurrent readers while the replay loop appends.
type Series struct {
	id string

	mu   sync.RWMutex
	bars []domain.Bar
}

// NewSeries creates an empty series. The id keys every indicator column
// derived from it, so two symbols must never share an id.
func NewSeries(id string) *Series {
	return &Series{id: id}
}

// NewSeriesFromBars builds a series from pre-sorted bars.
func NewSeriesFromBars(id string, bars []domain.Bar) (*Series, error) {
	s := NewSeries(id)
	for _, b := range bars {
		if err := s.Append(b); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ID returns the series identifier.
func (s *Series) ID() string { return s.id }

// Append adds the next bar. Timestamps must be strictly increasing.
func (s *Series) Append(b domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.bars); n > 0 && !b.Timestamp.After(s.bars[n-1].Timestamp) {
		return fmt.Errorf("series %s: %s after %s: %w",
			s.id, b.Timestamp.Format("2006-01-02T15:04:05"),
			s.bars[n-1].Timestamp.Format("2006-01-02T15:04:05"), ErrNotAscending)
	}
	s.bars = append(s.bars, b)
	return nil
}

// Len returns the number of bars ingested so far.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Bar returns the bar at row i.
func (s *Series) Bar(i int) (domain.Bar, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.bars) {
		return domain.Bar{}, false
	}
	return s.bars[i], true
}

// Value returns the named column at row i.
func (s *Series) Value(column string, i int) (float64, error) {
	b, ok := s.Bar(i)
	if !ok {
		return 0, fmt.Errorf("series %s row %d: %w", s.id, i, ErrOutOfRange)
	}
	switch strings.ToLower(column) {
	case ColumnOpen:
		return b.Open, nil
	case ColumnHigh:
		return b.High, nil
	case ColumnLow:
		return b.Low, nil
	case ColumnClose:
		return b.Close, nil
	case ColumnVolume:
		return float64(b.Volume), nil
	case ColumnVWAP:
		return b.VWAP, nil
	case ColumnTradeCount:
		return float64(b.TradeCount), nil
	}
	return 0, fmt.Errorf("%q: %w", column, ErrUnknownColumn)
}
