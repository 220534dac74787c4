package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"quantbt/internal/backtest"
	"quantbt/internal/config"
	"quantbt/internal/datasource"
	"quantbt/internal/metrics"
	"quantbt/internal/store"
	"quantbt/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfgPath := "config/quantbt.yaml"
	if p := os.Getenv("QUANTBT_CONFIG"); p != "" {
		cfgPath = p
	}
	flag.StringVar(&cfgPath, "config", cfgPath, "path to the YAML config")
	symbols := flag.String("symbols", "", "comma-separated symbols overriding the config")
	source := flag.String("source", "", "data source overriding the config (parquet, alpaca)")
	metricsAddr := flag.String("metrics", "", "serve /metrics on this address while running")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *symbols != "" {
		cfg.Backtest.Symbols = strings.Split(*symbols, ",")
	}
	if *source != "" {
		cfg.Backtest.DataSource = *source
	}

	logger, closer := util.NewLoggerFromConfig(cfg.Logging)
	defer closer.Close()
	util.SetDefault(logger)

	if *metricsAddr != "" {
		srv, err := metrics.Serve(*metricsAddr, logger)
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		defer srv.Close()
	}

	src, err := datasource.FromConfig(cfg, logger).Get(cfg.Backtest.DataSource)
	if err != nil {
		log.Fatalf("data source: %v", err)
	}
	orders, err := store.OpenOrderStore(cfg.Storage)
	if err != nil {
		log.Fatalf("opening order store: %v", err)
	}
	defer orders.Close()

	bt, err := backtest.NewFromConfig(cfg.Backtest, src, orders, backtest.NewLogProgress(logger, 0), logger)
	if err != nil {
		log.Fatalf("configuring backtest: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, runErr := bt.Run(ctx)
	runs := store.NewRunWriter(cfg.Storage.DataDir)
	if err := backtest.WriteArtifacts(runs, res); err != nil {
		logger.Error("writing run artifacts", "error", err)
	}

	s := res.Summary
	fmt.Printf("run        %s\n", res.RunID)
	fmt.Printf("status     %s\n", res.Status)
	fmt.Printf("return     %.2f%%\n", s.TotalReturn*100)
	fmt.Printf("drawdown   %.2f%%\n", s.MaxDrawdown*100)
	fmt.Printf("sharpe     %.3f\n", s.SharpeRatio)
	fmt.Printf("trades     %d (win rate %.1f%%)\n", s.TotalTrades, s.WinRate*100)
	fmt.Printf("errors     %d\n", s.Errors)
	fmt.Printf("artifacts  %s\n", runs.RunDir(res.RunID))

	if runErr != nil {
		log.Fatalf("backtest failed: %v", runErr)
	}
}
