package gather

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/store"
)

func TestProgressTrackerMarkEmpty(t *testing.T) {
	dir := t.TempDir()

	pt, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := pt.MarkEmpty([]string{"AAAA", "BBBB"}); err != nil {
		t.Fatal(err)
	}
	pt.Close()

	// Reload and verify.
	pt2, err := newProgressTracker(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer pt2.Close()
	for _, sym := range []string{"AAAA", "BBBB"} {
		if !pt2.IsTriedEmpty(sym) {
			t.Errorf("expected %q to be tried-empty after reload", sym)
		}
	}
	if pt2.IsTriedEmpty("CCCC") {
		t.Error("CCCC should not be tried-empty")
	}

	if err := pt2.Reset(); err != nil {
		t.Fatal(err)
	}
	if pt2.IsTriedEmpty("AAAA") {
		t.Error("AAAA still tried-empty after Reset")
	}
}

func TestProgressTrackerCompleted(t *testing.T) {
	pt, err := newProgressTracker(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer pt.Close()

	if pt.IsCompleted("2025-02-10") || pt.LastCompleted() != "" {
		t.Error("should not be completed before marking")
	}
	if err := pt.MarkCompleted("2025-02-10"); err != nil {
		t.Fatal(err)
	}
	if !pt.IsCompleted("2025-02-10") {
		t.Error("should be completed after marking")
	}
	if pt.IsCompleted("2025-02-11") {
		t.Error("should not be completed for a different date")
	}
}

// ---------------------------------------------------------------------------
// DailyBars
// ---------------------------------------------------------------------------

type fakeLoader struct {
	mu    sync.Mutex
	calls [][]string
	bars  map[string][]domain.Bar
	err   error
}

func (f *fakeLoader) LoadMulti(_ context.Context, symbols []string, _, _ time.Time, _ string) (map[string][]domain.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), symbols...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]domain.Bar)
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

func (f *fakeLoader) requested() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

func dbar(sym string, d int, c float64) domain.Bar {
	return domain.Bar{Symbol: sym, Timestamp: time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC), Open: c, High: c, Low: c, Close: c, Volume: 10}
}

func TestDailyBarsRun(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	loader := &fakeLoader{bars: map[string][]domain.Bar{
		"AAPL": {dbar("AAPL", 2, 185), dbar("AAPL", 3, 184)},
		"MSFT": {dbar("MSFT", 2, 370)},
	}}
	g := NewDailyBars(loader, ps, DailyBarsConfig{
		Symbols:   []string{"msft", "AAPL", "ZZZZ", "aapl"},
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		BatchSize: 2,
	})
	if g.Name() != "us-daily" {
		t.Errorf("Name = %q, want us-daily", g.Name())
	}

	ctx := context.Background()
	if err := g.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := loader.requested(); n != 3 {
		t.Errorf("requested %d symbols, want 3 (deduplicated)", n)
	}
	syms, err := ps.ListSymbols(ctx, "us")
	if err != nil {
		t.Fatal(err)
	}
	if len(syms) != 2 || syms[0] != "AAPL" || syms[1] != "MSFT" {
		t.Errorf("stored symbols = %v, want [AAPL MSFT]", syms)
	}
	bars, err := ps.ReadBars(ctx, "AAPL", "us", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if err != nil || len(bars) != 2 {
		t.Errorf("AAPL bars = %d, %v; want 2", len(bars), err)
	}

	// Same end date again: already completed, nothing fetched.
	if err := g.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n := loader.requested(); n != 3 {
		t.Errorf("second run fetched again: %d symbols requested", n)
	}

	// A new end date resets the empty set, so ZZZZ is retried.
	g.cfg.End = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	if err := g.Run(ctx); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if n := loader.requested(); n != 6 {
		t.Errorf("requested %d symbols after date change, want 6", n)
	}
}

func TestDailyBarsSkipsTriedEmptyOnResume(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	loader := &fakeLoader{err: errors.New("rate limited")}
	g := NewDailyBars(loader, ps, DailyBarsConfig{
		Symbols:   []string{"AAPL", "ZZZZ"},
		Start:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		BatchSize: 1,
	})
	if err := g.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite fetch failures")
	}

	loader.err = nil
	loader.bars = map[string][]domain.Bar{"AAPL": {dbar("AAPL", 2, 185)}}
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	// The date is now completed.
	before := loader.requested()
	if err := g.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if loader.requested() != before {
		t.Error("completed date fetched again")
	}
}

func TestDailyBarsValidation(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	start := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	cases := map[string]DailyBarsConfig{
		"no symbols": {Start: start, End: start.AddDate(0, 0, 1)},
		"no start":   {Symbols: []string{"AAPL"}, End: start},
		"end first":  {Symbols: []string{"AAPL"}, Start: start, End: start.AddDate(0, 0, -1)},
	}
	for name, cfg := range cases {
		if err := NewDailyBars(&fakeLoader{}, ps, cfg).Run(context.Background()); err == nil {
			t.Errorf("%s: Run succeeded, want error", name)
		}
	}
}
