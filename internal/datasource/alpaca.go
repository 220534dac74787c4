package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"quantbt/internal/domain"
	"quantbt/internal/util"
)

// Compile-time interface check.
var _ Source = (*AlpacaSource)(nil)

// AlpacaConfig configures NewAlpacaSource.
type AlpacaConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
	// Feed is "sip" or "iex"; empty means "sip".
	Feed            string
	RateLimitPerMin int
	MaxAttempts     int
	Logger          *slog.Logger
}

// AlpacaSource loads bars from the Alpaca market-data API. Calls are rate
// limited and retried with backoff.
type AlpacaSource struct {
	client   *marketdata.Client
	feed     marketdata.Feed
	limiter  *util.RateLimiter
	attempts int
	calendar *util.TradingCalendar
	now      func() time.Time
	log      *slog.Logger
}

// NewAlpacaSource creates an AlpacaSource.
func NewAlpacaSource(cfg AlpacaConfig) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	feed := cfg.Feed
	if feed == "" {
		feed = "sip"
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AlpacaSource{
		client:   marketdata.NewClient(opts),
		feed:     marketdata.Feed(feed),
		limiter:  util.NewRateLimiter(perMin),
		attempts: attempts,
		calendar: util.NewTradingCalendar(domain.MarketUS),
		now:      time.Now,
		log:      logger.With("component", "alpaca-source"),
	}
}

// Name returns "alpaca".
func (a *AlpacaSource) Name() string { return "alpaca" }

func timeFrame(freq string) (marketdata.TimeFrame, error) {
	switch strings.ToLower(freq) {
	case "", "1d", "d", "day", "daily":
		return marketdata.OneDay, nil
	case "1h", "h", "hour":
		return marketdata.OneHour, nil
	case "1m", "m", "min", "minute":
		return marketdata.OneMin, nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("alpaca source: %w: %q", ErrUnsupportedFrequency, freq)
}

// clampEnd keeps daily requests from including a session still in progress.
func (a *AlpacaSource) clampEnd(end time.Time, freq string) time.Time {
	if !isDaily(freq) {
		return end
	}
	last := a.calendar.LastCompletedSession(a.now()).Add(24*time.Hour - time.Nanosecond)
	if end.After(last) {
		return last
	}
	return end
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Load fetches bars for one symbol.
func (a *AlpacaSource) Load(ctx context.Context, symbol string, start, end time.Time, freq string) ([]domain.Bar, error) {
	bars, err := a.LoadMulti(ctx, []string{symbol}, start, end, freq)
	if err != nil {
		return nil, err
	}
	out := bars[strings.ToUpper(symbol)]
	if err := Validate(symbol, out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadMulti fetches bars for several symbols in one request. Symbols with
// no data are absent from the result.
func (a *AlpacaSource) LoadMulti(ctx context.Context, symbols []string, start, end time.Time, freq string) (map[string][]domain.Bar, error) {
	tf, err := timeFrame(freq)
	if err != nil {
		return nil, err
	}
	end = a.clampEnd(end, freq)
	if !end.After(start) {
		return map[string][]domain.Bar{}, nil
	}

	var multi map[string][]marketdata.Bar
	err = util.RetryIf(ctx, util.RetryPolicy{
		MaxAttempts: a.attempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Retryable:   retryable,
		Logger:      a.log,
		Op:          "GetMultiBars",
	}, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		var ferr error
		multi, ferr = a.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
			Feed:      a.feed,
		})
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	out := make(map[string][]domain.Bar, len(multi))
	for symbol, alpacaBars := range multi {
		sym := strings.ToUpper(symbol)
		bars := make([]domain.Bar, 0, len(alpacaBars))
		for _, ab := range alpacaBars {
			bars = append(bars, convertBar(sym, ab))
		}
		out[sym] = bars
	}
	a.log.Debug("fetched bars", "symbols", len(symbols), "hits", len(out))
	return out, nil
}

func convertBar(symbol string, ab marketdata.Bar) domain.Bar {
	return domain.Bar{
		Symbol:     symbol,
		Timestamp:  ab.Timestamp.UTC(),
		Open:       ab.Open,
		High:       ab.High,
		Low:        ab.Low,
		Close:      ab.Close,
		Volume:     int64(ab.Volume),
		TradeCount: int64(ab.TradeCount),
		VWAP:       ab.VWAP,
	}
}
