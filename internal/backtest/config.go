package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quantbt/internal/config"
	"quantbt/internal/datasource"
	"quantbt/internal/domain"
	"quantbt/internal/store"
	"quantbt/internal/strategy"
	"quantbt/internal/strategy/builtins"
)

// Config is the resolved form of a backtest section.
type Config struct {
	// RunID overrides the run identifier derived from the configuration.
	RunID          string
	Symbols        []string
	Start, End     time.Time
	Frequency      string
	InitialCapital float64
	CommissionRate float64
	Slippage       float64
	LotSize        float64
	ReduceFraction float64
	OrderType      domain.OrderType
	TimeInForce    domain.TimeInForce
	BusTimeScale   float64
	FlushInterval  time.Duration
	MaxPositionPct float64
	CashBuffer     float64
}

// ConfigFrom validates b and resolves it into a Config.
func ConfigFrom(b config.Backtest) (Config, error) {
	b.ApplyDefaults()
	if err := b.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid backtest config: %w", err)
	}
	start, end, _ := b.Range()
	symbols := make([]string, len(b.Symbols))
	for i, s := range b.Symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return Config{
		Symbols:        symbols,
		Start:          start,
		End:            end,
		Frequency:      b.Frequency,
		InitialCapital: b.InitialCapital,
		CommissionRate: b.CommissionRate,
		Slippage:       b.Slippage,
		LotSize:        b.LotSize,
		ReduceFraction: b.ReduceFraction,
		OrderType:      domain.OrderType(strings.ToUpper(b.OrderType)),
		TimeInForce:    domain.TimeInForce(strings.ToUpper(b.TimeInForce)),
		BusTimeScale:   b.BusTimeScale,
		FlushInterval:  b.FlushInterval,
		MaxPositionPct: b.Risk.MaxPositionPct,
		CashBuffer:     b.Risk.CashBuffer,
	}, nil
}

// BuildStrategies creates one strategy per symbol as selected by
// b.Strategy. Rule compile errors are returned joined.
func BuildStrategies(b config.Backtest, logger *slog.Logger) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	var errs []error
	for _, raw := range b.Symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		var (
			s   strategy.Strategy
			err error
		)
		switch b.Strategy.Type {
		case "", "rules":
			r := b.Strategy.Rules
			s, err = strategy.NewRuleStrategy("rules:"+symbol, symbol, strategy.Rules{
				Open:   r.Open,
				Close:  r.Close,
				Add:    r.Add,
				Reduce: r.Reduce,
			}, logger)
		case "sma_cross":
			short, long := b.Strategy.Short, b.Strategy.Long
			if short == 0 {
				short = 5
			}
			if long == 0 {
				long = 20
			}
			s, err = builtins.NewSMACross(symbol, short, long, logger)
		case "fixed_invest":
			s = builtins.NewFixedInvest(symbol)
		default:
			err = fmt.Errorf("unknown strategy type %q", b.Strategy.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		if err := reg.Register(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg, nil
}

// NewFromConfig builds a Backtester for b using src for bars. Strategies
// and the position sizer come from b; orders go to orderStore when non-nil.
func NewFromConfig(b config.Backtest, src datasource.Source, orderStore store.OrderStore, progress Progress, logger *slog.Logger) (*Backtester, error) {
	cfg, err := ConfigFrom(b)
	if err != nil {
		return nil, err
	}
	reg, err := BuildStrategies(b, logger)
	if err != nil {
		return nil, err
	}
	sizer, err := strategy.NewSizer(b.PositionStrategy.Name, b.PositionStrategy.Params)
	if err != nil {
		return nil, err
	}
	return New(cfg, Options{
		Source:     src,
		Strategies: reg,
		Sizer:      sizer,
		Store:      orderStore,
		Progress:   progress,
		Logger:     logger,
	})
}
