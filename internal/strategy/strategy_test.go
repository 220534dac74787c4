package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/expr"
	"quantbt/internal/indicator"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name   string
	symbol string
}

func (s *stubStrategy) Name() string                                             { return s.name }
func (s *stubStrategy) Symbol() string                                           { return s.symbol }
func (s *stubStrategy) Init(_ context.Context) error                             { return nil }
func (s *stubStrategy) OnBar(_ context.Context, _ View) ([]domain.Signal, error) { return nil, nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	s := &stubStrategy{name: "test-strategy", symbol: "AAPL"}

	if err := r.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	if got.Name() != "test-strategy" {
		t.Errorf("Get returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
	if err := r.Register(s); err == nil {
		t.Error("Register accepted a duplicate name")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(&stubStrategy{name: "beta", symbol: "MSFT"})
	_ = r.Register(&stubStrategy{name: "alpha", symbol: "AAPL"})
	_ = r.Register(&stubStrategy{name: "gamma", symbol: "AAPL"})

	names := r.List()
	if len(names) != 3 {
		t.Fatalf("List returned %d names, want 3", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" || names[2] != "gamma" {
		t.Errorf("List returned %v, want [alpha beta gamma]", names)
	}

	aapl := r.ForSymbol("AAPL")
	if len(aapl) != 2 || aapl[0].Name() != "alpha" || aapl[1].Name() != "gamma" {
		t.Errorf("ForSymbol(AAPL) returned %d strategies, want [alpha gamma]", len(aapl))
	}
}

// ---------------------------------------------------------------------------
// RuleStrategy
// ---------------------------------------------------------------------------

func buildSeries(t *testing.T, closes []float64) *indicator.Series {
	t.Helper()
	s := indicator.NewSeries("AAPL")
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		if err := s.Append(domain.Bar{Symbol: "AAPL", Timestamp: start.AddDate(0, 0, i), Close: c}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func kinds(signals []domain.Signal) []domain.SignalKind {
	out := make([]domain.SignalKind, len(signals))
	for i, s := range signals {
		out[i] = s.Kind
	}
	return out
}

func TestNewRuleStrategyParseError(t *testing.T) {
	_, err := NewRuleStrategy("bad", "AAPL", Rules{Open: "SMA(close,5 > 3", Close: "close >= 1"}, nil)
	var pe *expr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *expr.ParseError", err)
	}
	if _, err := NewRuleStrategy("empty", "AAPL", Rules{}, nil); err == nil {
		t.Error("NewRuleStrategy with no rules returned nil error")
	}
}

func TestRuleStrategySignalSelection(t *testing.T) {
	rules := Rules{Open: "close > 1", Close: "close > 5", Add: "close > 2", Reduce: "close > 3"}
	s, err := NewRuleStrategy("rules", "AAPL", rules, nil)
	if err != nil {
		t.Fatal(err)
	}
	series := buildSeries(t, []float64{4, 6})
	eng := indicator.NewEngine(nil)
	ctx := context.Background()

	tests := []struct {
		cursor   int
		position float64
		want     []domain.SignalKind
	}{
		{0, 0, []domain.SignalKind{domain.SignalOpen}},
		{0, 100, []domain.SignalKind{domain.SignalAdd, domain.SignalReduce}},
		{1, 100, []domain.SignalKind{domain.SignalClose}},
		{1, 0, []domain.SignalKind{domain.SignalOpen}},
	}
	for _, tt := range tests {
		got, err := s.OnBar(ctx, View{Series: series, Indicators: eng, Cursor: tt.cursor, Position: tt.position})
		if err != nil {
			t.Fatalf("OnBar: %v", err)
		}
		if g := kinds(got); len(g) != len(tt.want) || (len(g) > 0 && g[0] != tt.want[0]) || (len(g) > 1 && g[1] != tt.want[1]) {
			t.Errorf("cursor=%d position=%v: signals %v, want %v", tt.cursor, tt.position, g, tt.want)
		}
	}
}

func TestRuleStrategyEvalErrorMeansNoSignal(t *testing.T) {
	rules := Rules{Open: "KDJ(close,9) > 0", Close: "close > 0"}
	s, err := NewRuleStrategy("rules", "AAPL", rules, nil)
	if err != nil {
		t.Fatal(err)
	}
	series := buildSeries(t, []float64{4})
	signals, err := s.OnBar(context.Background(), View{Series: series, Indicators: indicator.NewEngine(nil)})
	if !errors.Is(err, expr.ErrUnknownIndicator) {
		t.Errorf("err = %v, want ErrUnknownIndicator", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals = %v, want none", kinds(signals))
	}
}

func TestRuleStrategyTrace(t *testing.T) {
	s, err := NewRuleStrategy("rules", "AAPL", Rules{Open: "SMA(close,2) > REF(SMA(close,2),1)"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	series := buildSeries(t, []float64{1, 2, 3})
	eng := indicator.NewEngine(nil)
	for i := 0; i < 3; i++ {
		if _, err := s.OnBar(context.Background(), View{Series: series, Indicators: eng, Cursor: i}); err != nil {
			t.Fatal(err)
		}
	}
	trace := s.Trace()
	if len(trace) != 3 {
		t.Fatalf("trace rows = %d, want 3", len(trace))
	}
	last := trace[2].Values
	if last["SMA(close,2)"] != 2.5 {
		t.Errorf("SMA(close,2) at 2 = %v, want 2.5", last["SMA(close,2)"])
	}
	if last["REF(SMA(close,2),1)"] != 1.5 {
		t.Errorf("REF at 2 = %v, want 1.5", last["REF(SMA(close,2),1)"])
	}
	if last["open_rule"] != 1 {
		t.Errorf("open_rule at 2 = %v, want 1", last["open_rule"])
	}
	cols := s.Columns()
	want := []string{"SMA(close,2)", "REF(SMA(close,2),1)", "open_rule"}
	if len(cols) != len(want) {
		t.Fatalf("Columns() = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("Columns()[%d] = %q, want %q", i, cols[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Sizers
// ---------------------------------------------------------------------------

func TestSizers(t *testing.T) {
	fp, err := NewSizer("fixed_percent", map[string]float64{"percent": 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if got := fp.Amount(100000, 1); got != 20000 {
		t.Errorf("fixed_percent Amount = %v, want 20000", got)
	}
	if got := fp.Amount(100000, 0.5); got != 10000 {
		t.Errorf("fixed_percent half strength = %v, want 10000", got)
	}

	k, err := NewKelly(0.6, 2, 0.25)
	if err != nil {
		t.Fatal(err)
	}
	// (0.6*3 - 1)/2 = 0.4 -> capped at 0.25
	if got := k.Fraction(); got != 0.25 {
		t.Errorf("kelly Fraction = %v, want 0.25", got)
	}
	k2, _ := NewKelly(0.3, 1, 0.5)
	if got := k2.Fraction(); got != 0 {
		t.Errorf("kelly negative edge Fraction = %v, want 0", got)
	}

	m, err := NewMartingale(0.05, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		pnl  float64
		want float64
	}{
		{-1, 10000}, {-1, 20000}, {-1, 20000}, {5, 5000},
	}
	if got := m.Amount(100000, 1); math.Abs(got-5000) > 1e-9 {
		t.Errorf("martingale base = %v, want 5000", got)
	}
	for i, st := range steps {
		m.RecordOutcome(st.pnl)
		if got := m.Amount(100000, 1); math.Abs(got-st.want) > 1e-9 {
			t.Errorf("step %d: martingale Amount = %v, want %v", i, got, st.want)
		}
	}

	bad := []struct {
		name   string
		params map[string]float64
	}{
		{"fixed_percent", map[string]float64{"percent": 1.5}},
		{"kelly", map[string]float64{"win_loss_ratio": 0}},
		{"martingale", map[string]float64{"multiplier": 0.5}},
		{"pyramid", nil},
	}
	for _, b := range bad {
		if _, err := NewSizer(b.name, b.params); err == nil {
			t.Errorf("NewSizer(%s, %v) returned nil error", b.name, b.params)
		}
	}
}
