package backtest

import (
	"encoding/json"
	"math"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/portfolio"
	"quantbt/internal/store"
	"quantbt/internal/strategy"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// Error kinds recorded in ErrorRecord.Kind.
const (
	ErrorKindEvaluation = "evaluation"
	ErrorKindRisk       = "risk"
	ErrorKindOrder      = "order"
	ErrorKindTransition = "transition"
	ErrorKindStorage    = "storage"
	ErrorKindData       = "data"
	ErrorKindRun        = "run"
)

// ErrorRecord is a recoverable problem observed during a run.
type ErrorRecord struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	OrderID   string    `json:"order_id,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
}

// EquityPoint is the account state after the last bar of one timestamp.
type EquityPoint struct {
	Index          int
	Timestamp      time.Time
	Cash           float64
	PositionsValue float64
	Equity         float64
	Positions      map[string]float64
}

// Summary holds the headline statistics of a run.
type Summary struct {
	RunID          string    `json:"run_id"`
	Status         Status    `json:"status"`
	Symbols        []string  `json:"symbols"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	InitialCapital float64   `json:"initial_capital"`
	FinalEquity    float64   `json:"final_equity"`
	TotalReturn    float64   `json:"total_return"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	WinRate        float64   `json:"win_rate"`
	// ProfitFactor is gross profit over gross loss; 0 when there are no
	// losing trades.
	ProfitFactor float64 `json:"profit_factor"`
	RealizedPnL  float64 `json:"realized_pnl"`
	Commissions  float64 `json:"commissions"`
	Bars         int     `json:"bars"`
	Signals      int     `json:"signals"`
	Orders       int     `json:"orders"`
	Fills        int     `json:"fills"`
	Rejected     int     `json:"rejected"`
	Errors       int     `json:"errors"`
}

// Result is everything a run produced.
type Result struct {
	RunID   string
	Status  Status
	Summary Summary
	Orders  []domain.Order
	Fills   []domain.Fill
	Signals []domain.Signal
	Ledger  []EquityPoint
	Errors  []ErrorRecord
	// Traces holds per-bar rule values keyed by strategy name.
	Traces  map[string][]strategy.TraceRow
	Columns map[string][]string

	Bars   int
	trades []float64 // realized P&L of each closing fill
}

func (res *Result) addError(e ErrorRecord) {
	res.Errors = append(res.Errors, e)
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// TradingDaysPerYear annualizes the Sharpe ratio.
const TradingDaysPerYear = 252

func summarize(res *Result, cfg Config, ledger *portfolio.Ledger) Summary {
	s := Summary{
		RunID:          res.RunID,
		Status:         res.Status,
		Symbols:        cfg.Symbols,
		Start:          cfg.Start,
		End:            cfg.End,
		InitialCapital: cfg.InitialCapital,
		FinalEquity:    cfg.InitialCapital,
		Bars:           res.Bars,
		Signals:        len(res.Signals),
		Orders:         len(res.Orders),
		Fills:          len(res.Fills),
		Errors:         len(res.Errors),
	}
	if ledger != nil {
		s.FinalEquity = ledger.TotalEquity()
		s.RealizedPnL = ledger.RealizedPnL()
		s.Commissions = ledger.Commissions()
	}
	for _, o := range res.Orders {
		if o.Status == domain.OrderStatusRejected {
			s.Rejected++
		}
	}
	if cfg.InitialCapital > 0 {
		s.TotalReturn = s.FinalEquity/cfg.InitialCapital - 1
	}

	equity := make([]float64, len(res.Ledger))
	for i, p := range res.Ledger {
		equity[i] = p.Equity
	}
	s.MaxDrawdown = MaxDrawdown(equity)
	s.SharpeRatio = Sharpe(equity, TradingDaysPerYear)

	var grossProfit, grossLoss float64
	for _, pnl := range res.trades {
		s.TotalTrades++
		switch {
		case pnl > 0:
			s.WinningTrades++
			grossProfit += pnl
		case pnl < 0:
			grossLoss -= pnl
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	}
	return s
}

// MaxDrawdown returns the largest peak-to-trough decline of equity as a
// positive fraction of the peak.
func MaxDrawdown(equity []float64) float64 {
	var peak, worst float64
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// Sharpe returns the annualized Sharpe ratio of per-period simple returns
// with a zero risk-free rate. It is 0 with fewer than two returns or zero
// volatility.
func Sharpe(equity []float64, periodsPerYear float64) float64 {
	if len(equity) < 3 {
		return 0
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	if len(rets) < 2 {
		return 0
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(len(rets)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(periodsPerYear)
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

type summaryFile struct {
	Summary
	ErrorList []ErrorRecord       `json:"error_list,omitempty"`
	Columns   map[string][]string `json:"trace_columns,omitempty"`
}

// WriteArtifacts persists res under w's run directory.
func WriteArtifacts(w *store.RunWriter, res *Result) error {
	ledger := make([]store.EquityRecord, len(res.Ledger))
	for i, p := range res.Ledger {
		pos, _ := json.Marshal(p.Positions)
		ledger[i] = store.EquityRecord{
			Timestamp:      p.Timestamp.UnixMilli(),
			Index:          int64(p.Index),
			Cash:           p.Cash,
			PositionsValue: p.PositionsValue,
			Equity:         p.Equity,
			Positions:      string(pos),
		}
	}
	return w.Write(store.RunArtifacts{
		RunID:   res.RunID,
		Summary: summaryFile{Summary: res.Summary, ErrorList: res.Errors, Columns: res.Columns},
		Ledger:  ledger,
		Fills:   res.Fills,
		Orders:  res.Orders,
	})
}
