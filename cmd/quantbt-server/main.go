package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quantbt/internal/api"
	"quantbt/internal/config"
	"quantbt/internal/datasource"
	"quantbt/internal/httpapi"
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
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, closer := util.NewLoggerFromConfig(cfg.Logging)
	defer closer.Close()
	util.SetDefault(logger)

	orders, err := store.OpenOrderStore(cfg.Storage)
	if err != nil {
		log.Fatalf("opening order store: %v", err)
	}
	defer orders.Close()

	runs := store.NewRunWriter(cfg.Storage.DataDir)
	svc := api.NewService(cfg, datasource.FromConfig(cfg, logger), orders, runs, logger)

	grpcPort := cfg.Server.GRPCPort
	if grpcPort == 0 {
		grpcPort = 50051
	}
	srv := api.NewServer(fmt.Sprintf("%s:%d", cfg.Server.Host, grpcPort), svc, logger)

	if cfg.Server.MetricsPort != 0 {
		m, err := metrics.Serve(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort), logger)
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		logger.Info("metrics listening", "addr", m.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	if cfg.Server.Port != 0 {
		browser := httpapi.NewServer(store.NewParquetStore(cfg.Storage.DataDir), orders, runs, logger)
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: browser.Handler(),
		}
		go func() {
			logger.Info("http api listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http api", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("gRPC server: %v", err)
	}
	logger.Info("server stopped")
}
