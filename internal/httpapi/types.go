// Package httpapi serves stored bars, orders, and backtest run artifacts as
// JSON over HTTP.
package httpapi

import (
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/store"
)

// BarJSON is the JSON representation of a bar.
type BarJSON struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
	VWAP   float64 `json:"vwap,omitempty"`
}

// OrderJSON is the JSON representation of an order.
type OrderJSON struct {
	ID             string  `json:"id"`
	StrategyID     string  `json:"strategyId"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	Qty            float64 `json:"qty"`
	Price          float64 `json:"price,omitempty"`
	Status         string  `json:"status"`
	TimeInForce    string  `json:"timeInForce"`
	FilledQty      float64 `json:"filledQty"`
	FilledAvgPrice float64 `json:"filledAvgPrice,omitempty"`
	RejectReason   string  `json:"rejectReason,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

// FillJSON is the JSON representation of a fill.
type FillJSON struct {
	OrderID    string  `json:"orderId"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	Commission float64 `json:"commission"`
	Time       string  `json:"time"`
}

// EquityJSON is one ledger row of a run.
type EquityJSON struct {
	Index          int64   `json:"index"`
	Time           string  `json:"time"`
	Cash           float64 `json:"cash"`
	PositionsValue float64 `json:"positionsValue"`
	Equity         float64 `json:"equity"`
	Positions      string  `json:"positions"`
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func barToJSON(b domain.Bar) BarJSON {
	return BarJSON{
		Time:   formatTime(b.Timestamp),
		Open:   b.Open,
		High:   b.High,
		Low:    b.Low,
		Close:  b.Close,
		Volume: b.Volume,
		VWAP:   b.VWAP,
	}
}

func orderToJSON(o domain.Order) OrderJSON {
	return OrderJSON{
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
		CreatedAt:      formatTime(o.CreatedAt),
		UpdatedAt:      formatTime(o.UpdatedAt),
	}
}

func fillToJSON(f domain.Fill) FillJSON {
	return FillJSON{
		OrderID:    f.OrderID,
		Symbol:     f.Symbol,
		Side:       string(f.Side),
		Price:      f.Price,
		Qty:        f.Qty,
		Commission: f.Commission,
		Time:       formatTime(f.Timestamp),
	}
}

func equityToJSON(r store.EquityRecord) EquityJSON {
	return EquityJSON{
		Index:          r.Index,
		Time:           formatTime(time.UnixMilli(r.Timestamp)),
		Cash:           r.Cash,
		PositionsValue: r.PositionsValue,
		Equity:         r.Equity,
		Positions:      r.Positions,
	}
}
