package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the format of start_date/end_date.
const DateLayout = "2006-01-02"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for quantbt.
type Config struct {
	Storage  Storage     `yaml:"storage"`
	Server   Server      `yaml:"server"`
	Alpaca   Alpaca      `yaml:"alpaca"`
	Logging  Logging     `yaml:"logging"`
	Fetch    FetchConfig `yaml:"fetch"`
	Backtest Backtest    `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	BadgerDir  string `yaml:"badger_dir"`
	// OrderBackend selects the order store: memory, sqlite, or badger.
	OrderBackend string `yaml:"order_backend"`
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	GRPCPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotating log file next to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// FetchConfig controls downloading bars into the local bar store.
type FetchConfig struct {
	Symbols         []string `yaml:"symbols"`
	StartDate       string   `yaml:"start_date"`
	EndDate         string   `yaml:"end_date"`
	BatchSize       int      `yaml:"batch_size"`
	MaxWorkers      int      `yaml:"max_workers"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// Backtest describes one simulation run.
type Backtest struct {
	StartDate      string   `yaml:"start_date"`
	EndDate        string   `yaml:"end_date"`
	Symbols        []string `yaml:"symbols"`
	Market         string   `yaml:"market"`
	Frequency      string   `yaml:"frequency"`
	InitialCapital float64  `yaml:"initial_capital"`
	CommissionRate float64  `yaml:"commission_rate"`
	Slippage       float64  `yaml:"slippage"`
	LotSize        float64  `yaml:"lot_size"`
	// ReduceFraction is the share of a position sold on a REDUCE signal.
	ReduceFraction float64       `yaml:"reduce_fraction"`
	OrderType      string        `yaml:"order_type"`
	TimeInForce    string        `yaml:"time_in_force"`
	DataSource     string        `yaml:"data_source"`
	BusTimeScale   float64       `yaml:"bus_time_scale"`
	FlushInterval  time.Duration `yaml:"flush_interval"`

	Strategy         StrategyConfig `yaml:"strategy"`
	PositionStrategy PositionConfig `yaml:"position_strategy"`
	Risk             RiskConfig     `yaml:"risk"`
}

// StrategyConfig selects a strategy: "rules" (custom rule strings),
// "sma_cross", or "fixed_invest".
type StrategyConfig struct {
	Type  string  `yaml:"type"`
	Rules RuleSet `yaml:"rules"`
	Short int     `yaml:"short"`
	Long  int     `yaml:"long"`
}

// RuleSet holds the named rule strings of a rule strategy.
type RuleSet struct {
	Open   string `yaml:"open_rule"`
	Close  string `yaml:"close_rule"`
	Add    string `yaml:"buy_rule"`
	Reduce string `yaml:"sell_rule"`
}

// Empty reports whether no rule is set.
func (r RuleSet) Empty() bool {
	return r.Open == "" && r.Close == "" && r.Add == "" && r.Reduce == ""
}

// PositionConfig selects a position sizer and its parameters.
type PositionConfig struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// RiskConfig defines pre-trade limits.
type RiskConfig struct {
	MaxPositionPct float64 `yaml:"max_position_pct"`
	CashBuffer     float64 `yaml:"cash_buffer"`
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.OrderBackend == "" {
		c.Storage.OrderBackend = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Fetch.RateLimitPerMin == 0 {
		c.Fetch.RateLimitPerMin = 200
	}
	if c.Fetch.BatchSize == 0 {
		c.Fetch.BatchSize = 100
	}
	c.Backtest.ApplyDefaults()
}

// ApplyDefaults fills unset backtest fields with their defaults.
func (b *Backtest) ApplyDefaults() {
	if b.Market == "" {
		b.Market = "us"
	}
	if b.Frequency == "" {
		b.Frequency = "1d"
	}
	if b.InitialCapital == 0 {
		b.InitialCapital = 1_000_000
	}
	if b.CommissionRate == 0 {
		b.CommissionRate = 0.0003
	}
	if b.LotSize == 0 {
		b.LotSize = 1
	}
	if b.ReduceFraction == 0 {
		b.ReduceFraction = 0.5
	}
	if b.OrderType == "" {
		b.OrderType = "MARKET"
	}
	if b.TimeInForce == "" {
		b.TimeInForce = "DAY"
	}
	if b.DataSource == "" {
		b.DataSource = "parquet"
	}
	if b.BusTimeScale == 0 {
		b.BusTimeScale = 1
	}
	if b.Strategy.Type == "" {
		b.Strategy.Type = "rules"
	}
	if b.PositionStrategy.Name == "" {
		b.PositionStrategy.Name = "fixed_percent"
	}
	if b.Risk.CashBuffer == 0 {
		b.Risk.CashBuffer = 0.001
	}
}

// Validate checks that b describes a runnable backtest.
func (b *Backtest) Validate() error {
	var errs []error
	start, end, err := b.Range()
	if err != nil {
		errs = append(errs, err)
	} else if !end.After(start) {
		errs = append(errs, fmt.Errorf("end_date %s must be after start_date %s", b.EndDate, b.StartDate))
	}
	if len(b.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}
	if b.InitialCapital <= 0 {
		errs = append(errs, fmt.Errorf("initial_capital %v must be positive", b.InitialCapital))
	}
	if b.CommissionRate < 0 || b.Slippage < 0 {
		errs = append(errs, errors.New("commission_rate and slippage must not be negative"))
	}
	if b.ReduceFraction <= 0 || b.ReduceFraction > 1 {
		errs = append(errs, fmt.Errorf("reduce_fraction %v must be in (0, 1]", b.ReduceFraction))
	}
	switch strings.ToUpper(b.OrderType) {
	case "MARKET", "LIMIT":
	default:
		errs = append(errs, fmt.Errorf("unknown order_type %q", b.OrderType))
	}
	switch strings.ToUpper(b.TimeInForce) {
	case "DAY", "GTC":
	default:
		errs = append(errs, fmt.Errorf("unknown time_in_force %q", b.TimeInForce))
	}
	switch b.Strategy.Type {
	case "rules":
		if b.Strategy.Rules.Empty() {
			errs = append(errs, errors.New("strategy type rules requires at least one rule"))
		}
	case "sma_cross", "fixed_invest":
	default:
		errs = append(errs, fmt.Errorf("unknown strategy type %q", b.Strategy.Type))
	}
	return errors.Join(errs...)
}

// Range parses StartDate and EndDate. The end date is inclusive, so the
// returned end is the last instant of that day.
func (b *Backtest) Range() (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, b.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := time.Parse(DateLayout, b.EndDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date: %w", err)
	}
	return start, end.Add(24*time.Hour - time.Nanosecond), nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse is Load for an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	return cfg, nil
}

// ParseBacktest decodes a standalone backtest section and fills its
// defaults.
func ParseBacktest(data []byte) (*Backtest, error) {
	b := &Backtest{}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parsing backtest: %w", err)
	}
	b.ApplyDefaults()
	return b, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("BADGER_DIR"); v != "" {
		cfg.Storage.BadgerDir = v
	}
	if v := os.Getenv("QUANTBT_ORDER_BACKEND"); v != "" {
		cfg.Storage.OrderBackend = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
