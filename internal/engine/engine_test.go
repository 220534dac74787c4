package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"quantbt/internal/broker"
	"quantbt/internal/domain"
	"quantbt/internal/portfolio"
	"quantbt/internal/store"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

func newManager(st store.OrderStore) *OrderManager {
	return NewOrderManager(OrderManagerConfig{RunID: "test", Store: st, Now: fixedNow})
}

func marketBuy(qty float64) OrderRequest {
	return OrderRequest{StrategyID: "s", Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Qty: qty}
}

func TestCreateValidation(t *testing.T) {
	m := newManager(nil)

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"zero qty", marketBuy(0)},
		{"negative qty", marketBuy(-5)},
		{"limit without price", OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 1}},
		{"bad side", OrderRequest{Symbol: "AAPL", Side: "HOLD", Qty: 1}},
	}
	for _, tt := range tests {
		if _, err := m.Create(tt.req); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("%s: err = %v, want ErrInvalidOrder", tt.name, err)
		}
	}

	o, err := m.Create(marketBuy(10))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if o.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want PENDING", o.Status)
	}
	if o.TimeInForce != domain.TimeInForceDay {
		t.Errorf("time in force = %s, want DAY", o.TimeInForce)
	}
	if !o.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %v, want %v", o.CreatedAt, t0)
	}
}

func TestDeterministicIDs(t *testing.T) {
	a, b := newManager(nil), newManager(nil)
	for i := 0; i < 3; i++ {
		oa, _ := a.Create(marketBuy(1))
		ob, _ := b.Create(marketBuy(1))
		if oa.ID != ob.ID {
			t.Errorf("order %d IDs differ: %s vs %s", i, oa.ID, ob.ID)
		}
	}
	other := NewOrderManager(OrderManagerConfig{RunID: "other", Now: fixedNow})
	o1, _ := other.Create(marketBuy(1))
	if first := a.Orders()[0]; first.ID == o1.ID {
		t.Error("different runs produced the same order ID")
	}
}

var allStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusAccepted,
	domain.OrderStatusPartiallyFilled,
	domain.OrderStatusFilled,
	domain.OrderStatusCancelled,
	domain.OrderStatusRejected,
}

// pathTo lists the transitions that lead from PENDING to s.
var pathTo = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:         nil,
	domain.OrderStatusAccepted:        {domain.OrderStatusAccepted},
	domain.OrderStatusPartiallyFilled: {domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled},
	domain.OrderStatusFilled:          {domain.OrderStatusAccepted, domain.OrderStatusFilled},
	domain.OrderStatusCancelled:       {domain.OrderStatusAccepted, domain.OrderStatusCancelled},
	domain.OrderStatusRejected:        {domain.OrderStatusRejected},
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusAccepted}:          true,
		{domain.OrderStatusPending, domain.OrderStatusRejected}:          true,
		{domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled}:  true,
		{domain.OrderStatusAccepted, domain.OrderStatusFilled}:           true,
		{domain.OrderStatusAccepted, domain.OrderStatusCancelled}:        true,
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled}:    true,
		{domain.OrderStatusPartiallyFilled, domain.OrderStatusCancelled}: true,
	}

	m := newManager(nil)
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			o, err := m.Create(marketBuy(1))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			for _, step := range pathTo[from] {
				if _, err := m.UpdateStatus(o.ID, step); err != nil {
					t.Fatalf("setup %s -> %s: %v", from, step, err)
				}
			}

			got, err := m.UpdateStatus(o.ID, to)
			if legal[[2]domain.OrderStatus{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
				}
				if got.Status != to {
					t.Errorf("%s -> %s: status = %s", from, to, got.Status)
				}
				continue
			}

			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", from, to, err)
			}
			var te *InvalidTransitionError
			if !errors.As(err, &te) || te.From != from || te.To != to {
				t.Errorf("%s -> %s: error detail = %+v", from, to, te)
			}
			if cur, _ := m.Get(o.ID); cur.Status != from {
				t.Errorf("%s -> %s: status changed to %s", from, to, cur.Status)
			}
		}
	}
}

func TestUnknownOrder(t *testing.T) {
	m := newManager(nil)
	if _, err := m.Cancel("nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Cancel err = %v, want ErrOrderNotFound", err)
	}
	if _, err := m.Modify("nope", nil, nil); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Modify err = %v, want ErrOrderNotFound", err)
	}
}

func TestModify(t *testing.T) {
	m := newManager(nil)
	o, _ := m.Create(OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 10, Price: 9.5})

	qty, price := 20.0, 9.0
	got, err := m.Modify(o.ID, &qty, &price)
	if err != nil {
		t.Fatalf("Modify PENDING: %v", err)
	}
	if got.Qty != 20 || got.Price != 9 {
		t.Errorf("modified = %+v, want qty 20 price 9", got)
	}

	m.Accept(o.ID)
	qty = 15
	if got, err = m.Modify(o.ID, &qty, nil); err != nil || got.Qty != 15 || got.Price != 9 {
		t.Errorf("Modify ACCEPTED = %+v, %v", got, err)
	}

	bad := 0.0
	if _, err := m.Modify(o.ID, &bad, nil); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("Modify qty 0 err = %v, want ErrInvalidOrder", err)
	}

	m.Cancel(o.ID)
	if _, err := m.Modify(o.ID, &qty, nil); !errors.Is(err, ErrNotModifiable) {
		t.Errorf("Modify CANCELLED err = %v, want ErrNotModifiable", err)
	}
}

// ---------------------------------------------------------------------------
// Flush
// ---------------------------------------------------------------------------

type failingStore struct {
	store.OrderStore
	saves, batches int
}

func (f *failingStore) SaveOrder(context.Context, *domain.Order) (string, error) {
	f.saves++
	return "", store.ErrStorage
}

func (f *failingStore) BatchUpdateStatus(context.Context, []store.StatusUpdate) error {
	f.batches++
	return store.ErrStorage
}

func TestFlushPersistsBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	m := newManager(st)

	o, _ := m.Create(marketBuy(5))
	m.Accept(o.ID)
	m.MarkFilled(domain.Fill{OrderID: o.ID, Qty: 5, Price: 10})
	r, _ := m.Create(marketBuy(1))
	m.Reject(r.ID, "too big")

	if got := m.Pending(); got != 5 {
		t.Errorf("Pending() = %d, want 5", got)
	}
	if err := m.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := m.Pending(); got != 0 {
		t.Errorf("Pending() after flush = %d, want 0", got)
	}

	saved, err := st.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if saved.Status != domain.OrderStatusFilled || saved.FilledQty != 5 || saved.FilledAvgPrice != 10 {
		t.Errorf("stored order = %+v, want FILLED 5 @ 10", saved)
	}
	saved, _ = st.GetOrder(ctx, r.ID)
	if saved.Status != domain.OrderStatusRejected || saved.RejectReason != "too big" {
		t.Errorf("stored rejected order = %+v", saved)
	}

	if err := m.Flush(ctx); err != nil {
		t.Errorf("second Flush = %v, want nil", err)
	}
}

func TestFlushDropsStorageFailures(t *testing.T) {
	fs := &failingStore{}
	m := newManager(fs)
	o, _ := m.Create(marketBuy(1))
	m.Accept(o.ID)

	err := m.Flush(context.Background())
	if !errors.Is(err, store.ErrStorage) {
		t.Errorf("Flush err = %v, want ErrStorage", err)
	}
	if fs.saves != 1 || fs.batches != 1 {
		t.Errorf("saves=%d batches=%d, want 1 and 1", fs.saves, fs.batches)
	}
	if m.Pending() != 0 {
		t.Errorf("failed writes were requeued: Pending() = %d", m.Pending())
	}
	if cur, _ := m.Get(o.ID); cur.Status != domain.OrderStatusAccepted {
		t.Errorf("in-memory status = %s, want ACCEPTED", cur.Status)
	}
}

func TestRunFlusherFinalFlush(t *testing.T) {
	st := store.NewMemoryStore()
	m := newManager(st)
	o, _ := m.Create(marketBuy(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunFlusher(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	if _, err := st.GetOrder(context.Background(), o.ID); err != nil {
		t.Errorf("order not flushed on shutdown: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Risk
// ---------------------------------------------------------------------------

func TestRiskManagerCheckOrder(t *testing.T) {
	rm := NewRiskManager(0.5, -1)
	account := domain.AccountInfo{
		Equity:    10000,
		Cash:      5000,
		Positions: map[string]float64{"AAPL": 10},
	}
	ctx := context.Background()

	tests := []struct {
		name  string
		order domain.Order
		ref   float64
		ok    bool
	}{
		{"buy within cash", domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Qty: 10}, 100, true},
		{"buy needs buffer", domain.Order{Symbol: "MSFT", Side: domain.OrderSideBuy, Qty: 50}, 100, false},
		{"buy exceeds position cap", domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 41}, 100, false},
		{"buy at position cap", domain.Order{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 40}, 100, true},
		{"sell held", domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Qty: 10}, 100, true},
		{"sell more than held", domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Qty: 11}, 100, false},
		{"no price", domain.Order{Symbol: "AAPL", Side: domain.OrderSideSell, Qty: 1}, 0, false},
	}
	for _, tt := range tests {
		err := rm.CheckOrder(ctx, &tt.order, tt.ref, account)
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrRiskRejected) {
			t.Errorf("%s: err %v does not match ErrRiskRejected", tt.name, err)
		}
	}
}

func TestSubmitChecksCostAfterSlippageAndCommission(t *testing.T) {
	e := NewEngine(
		broker.NewSimulatorBroker(broker.SimulatorConfig{Slippage: 0.01, CommissionRate: 0.0003}),
		newManager(nil),
		portfolio.NewLedger(10000, nil),
		NewRiskManager(0, DefaultCashBuffer),
		nil,
	)
	ctx := context.Background()

	// 99 * 100 passes at the close but not at 101 plus commission.
	res, err := e.Submit(ctx, marketBuy(99), bar(100, 100, 100))
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("Submit(99) err = %v, want ErrRiskRejected", err)
	}
	if res.Order.Status != domain.OrderStatusRejected {
		t.Errorf("status = %s, want REJECTED", res.Order.Status)
	}

	res, err = e.Submit(ctx, marketBuy(98), bar(100, 100, 100))
	if err != nil {
		t.Fatalf("Submit(98): %v", err)
	}
	if res.Fill == nil || math.Abs(res.Fill.Price-101) > 1e-9 {
		t.Fatalf("fill = %+v, want price 101", res.Fill)
	}
	if cash := e.Ledger().Cash(); cash < 0 {
		t.Errorf("cash after fill = %v, want >= 0", cash)
	}
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

func newTestEngine(cash float64) *Engine {
	return NewEngine(
		broker.NewSimulatorBroker(broker.SimulatorConfig{CommissionRate: -1}),
		newManager(nil),
		portfolio.NewLedger(cash, nil),
		NewRiskManager(0, 0),
		nil,
	)
}

func bar(close, low, high float64) domain.Bar {
	return domain.Bar{Symbol: "AAPL", Timestamp: t0, Open: close, High: high, Low: low, Close: close}
}

func TestNewEngine(t *testing.T) {
	e := newTestEngine(1000)
	if e == nil || e.Orders() == nil || e.Ledger() == nil {
		t.Fatal("NewEngine returned incomplete engine")
	}
}

func TestSubmitRiskRejected(t *testing.T) {
	e := newTestEngine(500)
	res, err := e.Submit(context.Background(), marketBuy(100), bar(10, 10, 10))
	if !errors.Is(err, ErrRiskRejected) {
		t.Fatalf("Submit err = %v, want ErrRiskRejected", err)
	}
	if res.Order.Status != domain.OrderStatusRejected {
		t.Errorf("status = %s, want REJECTED", res.Order.Status)
	}
	if res.Fill != nil {
		t.Error("rejected order produced a fill")
	}
	if _, ok := e.Ledger().Position("AAPL"); ok {
		t.Error("rejected order reached the ledger")
	}
	if _, err := e.Orders().Accept(res.Order.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("REJECTED -> ACCEPTED err = %v, want ErrInvalidTransition", err)
	}
}

func TestSubmitFillsAndAverages(t *testing.T) {
	e := newTestEngine(10000)
	ctx := context.Background()

	if _, err := e.Submit(ctx, marketBuy(100), bar(10, 10, 10)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	res, err := e.Submit(ctx, marketBuy(100), bar(12, 12, 12))
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if res.Order.Status != domain.OrderStatusFilled || res.Fill == nil {
		t.Fatalf("outcome = %+v, want FILLED with fill", res)
	}
	pos, ok := e.Ledger().Position("AAPL")
	if !ok || pos.Qty != 200 || math.Abs(pos.AvgCost-11) > 1e-9 {
		t.Errorf("position = %+v, want 200 @ 11", pos)
	}

	sell := marketBuy(200)
	sell.Side = domain.OrderSideSell
	res, err = e.Submit(ctx, sell, bar(13, 13, 13))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if math.Abs(res.Realized-400) > 1e-9 {
		t.Errorf("realized = %v, want 400", res.Realized)
	}
	if _, ok := e.Ledger().Position("AAPL"); ok {
		t.Error("position not removed at zero quantity")
	}
}

func TestSubmitLimitDayAndGTC(t *testing.T) {
	e := newTestEngine(10000)
	ctx := context.Background()

	day := OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Qty: 10, Price: 9, TimeInForce: domain.TimeInForceDay}
	res, err := e.Submit(ctx, day, bar(10, 9.5, 10.5))
	if err != nil {
		t.Fatalf("DAY submit: %v", err)
	}
	if res.Order.Status != domain.OrderStatusCancelled {
		t.Errorf("untouched DAY order status = %s, want CANCELLED", res.Order.Status)
	}

	gtc := day
	gtc.TimeInForce = domain.TimeInForceGTC
	res, err = e.Submit(ctx, gtc, bar(10, 9.5, 10.5))
	if err != nil {
		t.Fatalf("GTC submit: %v", err)
	}
	if res.Order.Status != domain.OrderStatusAccepted {
		t.Fatalf("untouched GTC order status = %s, want ACCEPTED", res.Order.Status)
	}

	outs, err := e.ProcessResting(ctx, bar(9.8, 9.6, 10))
	if err != nil || len(outs) != 0 {
		t.Errorf("ProcessResting untouched = %v, %v", outs, err)
	}
	outs, err = e.ProcessResting(ctx, bar(9.2, 8.9, 9.5))
	if err != nil {
		t.Fatalf("ProcessResting: %v", err)
	}
	if len(outs) != 1 || outs[0].Fill == nil || outs[0].Fill.Price != 9 {
		t.Fatalf("ProcessResting outcomes = %+v, want one fill at 9", outs)
	}
	if got := e.Ledger().PositionQty("AAPL"); got != 10 {
		t.Errorf("position qty = %v, want 10", got)
	}
	if w := e.Orders().Working("AAPL"); len(w) != 0 {
		t.Errorf("working orders after fill = %d, want 0", len(w))
	}
}

func TestEngineRebalance(t *testing.T) {
	e := newTestEngine(1000)
	e.Ledger().MarkPrice("AAPL", 10)
	ok, outs := e.Rebalance(context.Background(), "rebal", []portfolio.TargetWeight{{Symbol: "AAPL", Weight: 0.5}}, nil)
	if len(ok) != 1 || !ok[0] {
		t.Fatalf("Rebalance = %v, want [true]", ok)
	}
	if len(outs) != 1 || outs[0].Order.Status != domain.OrderStatusFilled {
		t.Errorf("outcomes = %+v", outs)
	}
	if got := e.Ledger().PositionQty("AAPL"); math.Abs(got-50) > 1e-9 {
		t.Errorf("position qty = %v, want 50", got)
	}
}
