package datasource

import (
	"log/slog"

	"quantbt/internal/config"
	"quantbt/internal/store"
)

// FromConfig registers the parquet source over cfg.Storage.DataDir and,
// when credentials are present, the Alpaca source.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Registry {
	reg := NewRegistry(NewParquetSource(store.NewParquetStore(cfg.Storage.DataDir), cfg.Backtest.Market))
	if cfg.Alpaca.APIKey != "" && cfg.Alpaca.APISecret != "" {
		reg.Register(NewAlpacaSource(AlpacaConfig{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			RateLimitPerMin: cfg.Fetch.RateLimitPerMin,
			Logger:          logger,
		}))
	}
	return reg
}
