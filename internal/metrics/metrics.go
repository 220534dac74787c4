// Package metrics exposes Prometheus counters for backtest activity.
package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quantbt_bars_total", Help: "Bars replayed"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quantbt_signals_total", Help: "Signals emitted by strategies"},
		[]string{"symbol", "kind"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quantbt_orders_total", Help: "Orders by final status"},
		[]string{"symbol", "side", "status"},
	)
	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quantbt_fills_total", Help: "Fills applied to the ledger"},
		[]string{"symbol", "side"},
	)
	EvalErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quantbt_eval_errors_total", Help: "Rule evaluations that failed and produced no signal"},
		[]string{"strategy"},
	)
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quantbt_runs_total", Help: "Backtest runs by status"},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, SignalsTotal, OrdersTotal, FillsTotal, EvalErrorsTotal, RunsTotal)
}

// Serve binds addr and exposes /metrics on it in the background. Bind
// failures are returned; later serve errors are logged.
func Serve(addr string, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: lis.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}
