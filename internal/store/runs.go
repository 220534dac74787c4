package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"quantbt/internal/domain"
)

// EquityRecord is one row of a run's per-bar ledger.
type EquityRecord struct {
	Timestamp      int64   `parquet:"timestamp,timestamp(millisecond)"`
	Index          int64   `parquet:"index"`
	Cash           float64 `parquet:"cash"`
	PositionsValue float64 `parquet:"positions_value"`
	Equity         float64 `parquet:"equity"`
	Positions      string  `parquet:"positions"` // JSON symbol -> qty
}

// FillRecord is the Parquet schema of a fill.
type FillRecord struct {
	OrderID    string  `parquet:"order_id"`
	Symbol     string  `parquet:"symbol"`
	Side       string  `parquet:"side"`
	Price      float64 `parquet:"price"`
	Qty        float64 `parquet:"qty"`
	Commission float64 `parquet:"commission"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
}

// OrderRecord is the Parquet schema of an order's final state.
type OrderRecord struct {
	ID             string  `parquet:"id"`
	StrategyID     string  `parquet:"strategy_id"`
	Symbol         string  `parquet:"symbol"`
	Side           string  `parquet:"side"`
	Type           string  `parquet:"type"`
	Qty            float64 `parquet:"qty"`
	Price          float64 `parquet:"price"`
	Status         string  `parquet:"status"`
	TimeInForce    string  `parquet:"time_in_force"`
	FilledQty      float64 `parquet:"filled_qty"`
	FilledAvgPrice float64 `parquet:"filled_avg_price"`
	RejectReason   string  `parquet:"reject_reason"`
	CreatedAt      int64   `parquet:"created_at,timestamp(millisecond)"`
	UpdatedAt      int64   `parquet:"updated_at,timestamp(millisecond)"`
}

// RunArtifacts is everything persisted for one backtest run.
type RunArtifacts struct {
	RunID   string
	Summary any // marshalled to summary.json
	Ledger  []EquityRecord
	Fills   []domain.Fill
	Orders  []domain.Order
}

// RunWriter writes run artifacts under <DataDir>/runs/<run_id>/.
type RunWriter struct {
	DataDir string
}

// NewRunWriter creates a RunWriter rooted at dataDir.
func NewRunWriter(dataDir string) *RunWriter {
	return &RunWriter{DataDir: dataDir}
}

// RunDir returns the directory holding runID's artifacts.
func (w *RunWriter) RunDir(runID string) string {
	return filepath.Join(w.DataDir, "runs", runID)
}

// Write persists a's summary, ledger, fills, and orders.
func (w *RunWriter) Write(a RunArtifacts) error {
	dir := w.RunDir(a.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run dir: %w", err)
	}

	summary, err := json.MarshalIndent(a.Summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "summary.json"), summary, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if err := writeParquetFile(filepath.Join(dir, "ledger.parquet"), a.Ledger); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}

	fills := make([]FillRecord, len(a.Fills))
	for i, f := range a.Fills {
		fills[i] = FillRecord{
			OrderID:    f.OrderID,
			Symbol:     f.Symbol,
			Side:       string(f.Side),
			Price:      f.Price,
			Qty:        f.Qty,
			Commission: f.Commission,
			Timestamp:  f.Timestamp.UnixMilli(),
		}
	}
	if err := writeParquetFile(filepath.Join(dir, "fills.parquet"), fills); err != nil {
		return fmt.Errorf("writing fills: %w", err)
	}

	orders := make([]OrderRecord, len(a.Orders))
	for i, o := range a.Orders {
		orders[i] = OrderRecord{
			ID:             o.ID,
			StrategyID:     o.StrategyID,
			Symbol:         o.Symbol,
			Side:           string(o.Side),
			Type:           string(o.Type),
			Qty:            o.Qty,
			Price:          o.Price,
			Status:         string(o.Status),
			TimeInForce:    string(o.TimeInForce),
			FilledQty:      o.FilledQty,
			FilledAvgPrice: o.FilledAvgPrice,
			RejectReason:   o.RejectReason,
			CreatedAt:      o.CreatedAt.UnixMilli(),
			UpdatedAt:      o.UpdatedAt.UnixMilli(),
		}
	}
	if err := writeParquetFile(filepath.Join(dir, "orders.parquet"), orders); err != nil {
		return fmt.Errorf("writing orders: %w", err)
	}
	return nil
}

// ReadLedger loads the ledger of a previous run.
func (w *RunWriter) ReadLedger(runID string) ([]EquityRecord, error) {
	return readParquetFile[EquityRecord](filepath.Join(w.RunDir(runID), "ledger.parquet"))
}

// ReadFills loads the fills of a previous run.
func (w *RunWriter) ReadFills(runID string) ([]domain.Fill, error) {
	recs, err := readParquetFile[FillRecord](filepath.Join(w.RunDir(runID), "fills.parquet"))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Fill, len(recs))
	for i, r := range recs {
		out[i] = domain.Fill{
			OrderID:    r.OrderID,
			Symbol:     r.Symbol,
			Side:       domain.OrderSide(r.Side),
			Price:      r.Price,
			Qty:        r.Qty,
			Commission: r.Commission,
			Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		}
	}
	return out, nil
}

// ReadSummary decodes summary.json of a previous run into v.
func (w *RunWriter) ReadSummary(runID string, v any) error {
	data, err := os.ReadFile(filepath.Join(w.RunDir(runID), "summary.json"))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ListRuns returns the IDs of runs with a summary, sorted.
func (w *RunWriter) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.DataDir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(w.RunDir(e.Name()), "summary.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
