// Package builtins provides built-in strategy implementations that ship with
// quantbt.
package builtins

import (
	"fmt"
	"log/slog"

	"quantbt/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross implements a simple moving average crossover strategy. It opens
// when the short-period SMA is above the long-period SMA and closes when it
// falls below.
type SMACross struct {
	*strategy.RuleStrategy
	shortPeriod int
	longPeriod  int
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods.
func NewSMACross(symbol string, short, long int, logger *slog.Logger) (*SMACross, error) {
	if short <= 0 || long <= 0 || short >= long {
		return nil, fmt.Errorf("sma_cross: need 0 < short < long, got short=%d long=%d", short, long)
	}
	rules := strategy.Rules{
		Open:  fmt.Sprintf("SMA(close,%d) > SMA(close,%d)", short, long),
		Close: fmt.Sprintf("SMA(close,%d) < SMA(close,%d)", short, long),
	}
	rs, err := strategy.NewRuleStrategy(fmt.Sprintf("sma_cross:%s", symbol), symbol, rules, logger)
	if err != nil {
		return nil, err
	}
	return &SMACross{RuleStrategy: rs, shortPeriod: short, longPeriod: long}, nil
}

// Periods returns the short and long periods.
func (s *SMACross) Periods() (short, long int) {
	return s.shortPeriod, s.longPeriod
}
