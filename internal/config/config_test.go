package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
storage:
  data_dir: "/tmp/quantbt/data"
  sqlite_path: "/tmp/quantbt/orders.db"
  order_backend: "sqlite"
server:
  host: "0.0.0.0"
  port: 8080
  grpc_port: 9090
  metrics_port: 9100
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  data_url: "https://data.alpaca.markets"
logging:
  level: "debug"
  format: "text"
  file: "/tmp/quantbt/quantbt.log"
  max_size_mb: 50
fetch:
  symbols: ["AAPL", "MSFT"]
  start_date: "2020-01-01"
  rate_limit_per_min: 100
backtest:
  start_date: "2023-01-01"
  end_date: "2023-12-31"
  symbols: ["AAPL"]
  initial_capital: 100000
  commission_rate: 0.001
  slippage: 0.0005
  flush_interval: 5s
  strategy:
    type: rules
    rules:
      open_rule: "SMA(close,5) > SMA(close,20)"
      close_rule: "SMA(close,5) < SMA(close,20)"
  position_strategy:
    name: kelly
    params:
      win_rate: 0.55
      win_loss_ratio: 1.5
  risk:
    max_position_pct: 0.5
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "BADGER_DIR", "QUANTBT_ORDER_BACKEND",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quantbt.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.DataDir != "/tmp/quantbt/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/quantbt/data")
	}
	if cfg.Storage.OrderBackend != "sqlite" {
		t.Errorf("Storage.OrderBackend = %q, want %q", cfg.Storage.OrderBackend, "sqlite")
	}

	// -- Server --
	if cfg.Server.GRPCPort != 9090 || cfg.Server.MetricsPort != 9100 {
		t.Errorf("Server = %+v, want grpc 9090 metrics 9100", cfg.Server)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" || cfg.Logging.MaxSizeMB != 50 {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// -- Fetch --
	if len(cfg.Fetch.Symbols) != 2 || cfg.Fetch.RateLimitPerMin != 100 || cfg.Fetch.BatchSize != 100 {
		t.Errorf("Fetch = %+v", cfg.Fetch)
	}

	// -- Backtest --
	b := cfg.Backtest
	if b.InitialCapital != 100000 {
		t.Errorf("InitialCapital = %v, want 100000", b.InitialCapital)
	}
	if b.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", b.FlushInterval)
	}
	if b.Strategy.Rules.Open != "SMA(close,5) > SMA(close,20)" {
		t.Errorf("Rules.Open = %q", b.Strategy.Rules.Open)
	}
	if b.PositionStrategy.Name != "kelly" || b.PositionStrategy.Params["win_rate"] != 0.55 {
		t.Errorf("PositionStrategy = %+v", b.PositionStrategy)
	}
	if b.Risk.MaxPositionPct != 0.5 || b.Risk.CashBuffer != 0.001 {
		t.Errorf("Risk = %+v, want max 0.5 buffer 0.001", b.Risk)
	}
	// Defaults.
	if b.Market != "us" || b.Frequency != "1d" || b.LotSize != 1 || b.ReduceFraction != 0.5 {
		t.Errorf("defaults not applied: %+v", b)
	}
	if b.OrderType != "MARKET" || b.TimeInForce != "DAY" || b.DataSource != "parquet" {
		t.Errorf("order defaults not applied: %+v", b)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/override/data")
	t.Setenv("QUANTBT_ORDER_BACKEND", "badger")
	t.Setenv("BADGER_DIR", "/override/badger")
	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Storage.DataDir != "/override/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/override/data")
	}
	if cfg.Storage.OrderBackend != "badger" || cfg.Storage.BadgerDir != "/override/badger" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	// APCA_* wins over ALPACA_*.
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "apca-key")
	}
	if cfg.Alpaca.APISecret != "test-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q", cfg.Alpaca.APISecret, "test-secret")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) expected error")
	}
	if _, err := Load(writeConfig(t, "backtest: [unclosed")); err == nil {
		t.Error("Load(bad yaml) expected error")
	}
}

func TestBacktestValidate(t *testing.T) {
	b, err := ParseBacktest([]byte(`
start_date: "2023-06-01"
end_date: "2023-01-01"
initial_capital: -1
order_type: STOP
strategy:
  type: rules
`))
	if err != nil {
		t.Fatalf("ParseBacktest: %v", err)
	}
	err = b.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	for _, want := range []string{"after start_date", "symbol", "initial_capital", "order_type", "at least one rule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestBacktestRangeInclusive(t *testing.T) {
	b := Backtest{StartDate: "2024-01-02", EndDate: "2024-01-05"}
	start, end, err := b.Range()
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if !start.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	bar := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	if end.Before(bar) || !end.Before(bar.Add(24*time.Hour)) {
		t.Errorf("end = %v, want within 2024-01-05", end)
	}

	b.EndDate = "not-a-date"
	if _, _, err := b.Range(); err == nil {
		t.Error("Range with bad end_date expected error")
	}
}
