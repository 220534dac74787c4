package broker

import (
	"context"
	"math"
	"testing"
	"time"

	"quantbt/internal/domain"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var testBar = domain.Bar{
	Symbol:    "AAPL",
	Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	Open:      10, High: 10.5, Low: 9.5, Close: 10,
}

func TestSimulatorBrokerName(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{})
	if got := b.Name(); got != "simulator" {
		t.Errorf("SimulatorBroker.Name() = %q, want %q", got, "simulator")
	}
	if got := b.CommissionRate(); got != DefaultCommissionRate {
		t.Errorf("CommissionRate() = %v, want %v", got, DefaultCommissionRate)
	}
}

func TestSimulatorMarketFill(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{Slippage: 0.01, CommissionRate: 0.001})
	ctx := context.Background()

	buy := &domain.Order{ID: "1", Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 100}
	f, err := b.Execute(ctx, buy, testBar)
	if err != nil || f == nil {
		t.Fatalf("Execute = %v, %v", f, err)
	}
	if !approx(f.Price, 10.1) {
		t.Errorf("buy price = %v, want 10.1", f.Price)
	}
	if !approx(f.Commission, 10.1*100*0.001) {
		t.Errorf("commission = %v, want %v", f.Commission, 10.1*100*0.001)
	}
	if f.Qty != 100 || f.OrderID != "1" || !f.Timestamp.Equal(testBar.Timestamp) {
		t.Errorf("fill = %+v", f)
	}

	sell := &domain.Order{ID: "2", Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Qty: 5}
	f, _ = b.Execute(ctx, sell, testBar)
	if f == nil {
		t.Fatal("sell not filled")
	}
	if !approx(f.Price, 10.1) {
		t.Errorf("sell fill = %+v, want price 10.1", f)
	}
	if !approx(f.Commission, 10.1*5*0.001) {
		t.Errorf("sell commission = %v, want %v", f.Commission, 10.1*5*0.001)
	}

	if got := b.FillPrice(100); !approx(got, 101) {
		t.Errorf("FillPrice(100) = %v, want 101", got)
	}
}

func TestSimulatorLimitFill(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{Slippage: 0.01, CommissionRate: -1})
	ctx := context.Background()

	tests := []struct {
		name  string
		side  domain.OrderSide
		limit float64
		fill  bool
	}{
		{"buy touched", domain.OrderSideBuy, 9.6, true},
		{"buy at low", domain.OrderSideBuy, 9.5, true},
		{"buy untouched", domain.OrderSideBuy, 9.4, false},
		{"sell touched", domain.OrderSideSell, 10.4, true},
		{"sell untouched", domain.OrderSideSell, 10.6, false},
	}
	for _, tt := range tests {
		o := &domain.Order{ID: "x", Symbol: "AAPL", Side: tt.side, Type: domain.OrderTypeLimit, Qty: 1, Price: tt.limit}
		f, err := b.Execute(ctx, o, testBar)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if (f != nil) != tt.fill {
			t.Errorf("%s: filled = %v, want %v", tt.name, f != nil, tt.fill)
			continue
		}
		if f != nil {
			if f.Price != tt.limit {
				t.Errorf("%s: price = %v, want %v", tt.name, f.Price, tt.limit)
			}
			if f.Commission != 0 {
				t.Errorf("%s: commission = %v, want 0", tt.name, f.Commission)
			}
		}
	}
}

func TestSimulatorSymbolMismatch(t *testing.T) {
	b := NewSimulatorBroker(SimulatorConfig{})
	o := &domain.Order{ID: "1", Symbol: "MSFT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: 1}
	if _, err := b.Execute(context.Background(), o, testBar); err == nil {
		t.Error("expected error for symbol mismatch")
	}
}
