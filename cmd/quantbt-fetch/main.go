package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quantbt/internal/config"
	"quantbt/internal/datasource"
	"quantbt/internal/gather"
	"quantbt/internal/store"
	"quantbt/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/quantbt.yaml"
	if p := os.Getenv("QUANTBT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatalf("alpaca credentials are required (APCA_API_KEY_ID / APCA_API_SECRET_KEY)")
	}

	logger, closer := util.NewLoggerFromConfig(cfg.Logging)
	defer closer.Close()
	util.SetDefault(logger)

	start, err := time.Parse(config.DateLayout, cfg.Fetch.StartDate)
	if err != nil {
		log.Fatalf("fetch.start_date: %v", err)
	}
	var end time.Time
	if cfg.Fetch.EndDate != "" {
		if end, err = time.Parse(config.DateLayout, cfg.Fetch.EndDate); err != nil {
			log.Fatalf("fetch.end_date: %v", err)
		}
	}
	symbols := cfg.Fetch.Symbols
	if len(symbols) == 0 {
		symbols = cfg.Backtest.Symbols
	}

	source := datasource.NewAlpacaSource(datasource.AlpacaConfig{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		RateLimitPerMin: cfg.Fetch.RateLimitPerMin,
		Logger:          logger,
	})
	gatherer := gather.NewDailyBars(source, store.NewParquetStore(cfg.Storage.DataDir), gather.DailyBarsConfig{
		Symbols:    symbols,
		Start:      start,
		End:        end,
		Market:     cfg.Backtest.Market,
		BatchSize:  cfg.Fetch.BatchSize,
		MaxWorkers: cfg.Fetch.MaxWorkers,
		Logger:     logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("starting %s gatherer\n", gatherer.Name())
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gatherer error: %v", err)
	}
}
