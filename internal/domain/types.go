// Package domain defines the core value types shared across the backtesting
// engine: bars, signals, orders, fills, and positions.
package domain

import "time"

// Market identifies the exchange family a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is one OHLCV observation for a symbol. Bars are immutable once
// ingested and ordered strictly by Timestamp within a symbol.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// SignalKind is the directional intent carried by a Signal.
type SignalKind string

const (
	SignalOpen   SignalKind = "OPEN"
	SignalClose  SignalKind = "CLOSE"
	SignalAdd    SignalKind = "ADD"
	SignalReduce SignalKind = "REDUCE"
)

// Signal is a trading intent produced by a strategy for one bar. A strategy
// emits at most one signal per kind per bar.
type Signal struct {
	StrategyID string
	Symbol     string
	Kind       SignalKind
	Strength   float64
	Index      int
	Timestamp  time.Time
	Metadata   map[string]string
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType selects how an order is priced.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls how long an unfilled order stays working.
type TimeInForce string

const (
	// TimeInForceDay orders are cancelled at the end of the bar they could
	// not fill on.
	TimeInForceDay TimeInForce = "DAY"
	// TimeInForceGTC orders rest until filled or cancelled.
	TimeInForceGTC TimeInForce = "GTC"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is a request to trade. Orders are never deleted; they end in a
// terminal status.
type Order struct {
	ID             string
	StrategyID     string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Qty            float64
	Price          float64 // limit price; zero for market orders
	Status         OrderStatus
	TimeInForce    TimeInForce
	FilledQty      float64
	FilledAvgPrice float64
	RejectReason   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Fill records the execution of an order. The simulator only produces full
// fills, so there is exactly one Fill per filled order.
type Fill struct {
	OrderID    string
	Symbol     string
	Side       OrderSide
	Price      float64
	Qty        float64
	Commission float64
	Timestamp  time.Time
}

// Notional returns Price*Qty.
func (f Fill) Notional() float64 { return f.Price * f.Qty }

// ---------------------------------------------------------------------------
// Positions & account
// ---------------------------------------------------------------------------

// Position is a snapshot of a holding in one symbol. Qty is signed: positive
// for long, negative for short.
type Position struct {
	Symbol        string
	Qty           float64
	AvgCost       float64
	LastPrice     float64
	MarketValue   float64
	RealizedPnL   float64
	UnrealizedPnL float64
}

// AccountInfo is a snapshot of the account's financial metrics.
type AccountInfo struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
	Positions   map[string]float64 // symbol -> signed quantity
}
