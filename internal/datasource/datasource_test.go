package datasource

import (
	"context"
	"errors"
	"testing"
	"time"

	"quantbt/internal/config"
	"quantbt/internal/domain"
	"quantbt/internal/store"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func TestRegistry(t *testing.T) {
	mem := NewMemorySource()
	r := NewRegistry(mem)
	r.Register(NewParquetSource(store.NewParquetStore(t.TempDir()), ""))

	if s, err := r.Get("memory"); err != nil || s != Source(mem) {
		t.Errorf("Get(memory) = %v, %v", s, err)
	}
	if _, err := r.Get("yahoo"); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("Get(yahoo) err = %v, want ErrUnknownSource", err)
	}
	if got := r.Names(); len(got) != 2 || got[0] != "memory" || got[1] != "parquet" {
		t.Errorf("Names() = %v", got)
	}
}

func TestValidate(t *testing.T) {
	ok := []domain.Bar{{Symbol: "AAPL", Timestamp: day(2)}, {Symbol: "AAPL", Timestamp: day(3)}}
	if err := Validate("aapl", ok); err != nil {
		t.Errorf("Validate(ok) = %v", err)
	}
	dup := []domain.Bar{{Symbol: "AAPL", Timestamp: day(2)}, {Symbol: "AAPL", Timestamp: day(2)}}
	if err := Validate("AAPL", dup); !errors.Is(err, ErrUnsorted) {
		t.Errorf("Validate(dup) = %v, want ErrUnsorted", err)
	}
	other := []domain.Bar{{Symbol: "MSFT", Timestamp: day(2)}}
	if err := Validate("AAPL", other); !errors.Is(err, ErrUnsorted) {
		t.Errorf("Validate(other symbol) = %v, want ErrUnsorted", err)
	}
}

func TestMemorySource(t *testing.T) {
	m := NewMemorySource()
	m.Add(
		domain.Bar{Symbol: "AAPL", Timestamp: day(4), Close: 3},
		domain.Bar{Symbol: "AAPL", Timestamp: day(2), Close: 1},
		domain.Bar{Symbol: "AAPL", Timestamp: day(3), Close: 2},
	)
	bars, err := m.Load(context.Background(), "aapl", day(3), day(10), "1d")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bars) != 2 || bars[0].Close != 2 || bars[1].Close != 3 {
		t.Errorf("Load = %+v, want closes [2 3]", bars)
	}

	m.Add(domain.Bar{Symbol: "AAPL", Timestamp: day(3), Close: 9})
	if _, err := m.Load(context.Background(), "AAPL", day(1), day(10), "1d"); !errors.Is(err, ErrUnsorted) {
		t.Errorf("Load with duplicate timestamp err = %v, want ErrUnsorted", err)
	}
}

func TestParquetSource(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	if err := ps.WriteBars(ctx, []domain.Bar{
		{Symbol: "AAPL", Timestamp: day(2), Close: 10},
		{Symbol: "AAPL", Timestamp: day(3), Close: 11},
	}); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	src := NewParquetSource(ps, "us")
	bars, err := src.Load(ctx, "AAPL", day(1), day(31), "1d")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bars) != 2 || bars[1].Close != 11 {
		t.Errorf("Load = %+v", bars)
	}
	if _, err := src.Load(ctx, "AAPL", day(1), day(31), "1m"); !errors.Is(err, ErrUnsupportedFrequency) {
		t.Errorf("Load(1m) err = %v, want ErrUnsupportedFrequency", err)
	}
}

func TestAlpacaTimeFrameAndClamp(t *testing.T) {
	if _, err := timeFrame("1d"); err != nil {
		t.Errorf("timeFrame(1d) = %v", err)
	}
	if _, err := timeFrame("1w"); !errors.Is(err, ErrUnsupportedFrequency) {
		t.Errorf("timeFrame(1w) err = %v, want ErrUnsupportedFrequency", err)
	}

	a := NewAlpacaSource(AlpacaConfig{APIKey: "k", APISecret: "s"})
	ny, _ := time.LoadLocation("America/New_York")
	a.now = func() time.Time { return time.Date(2024, 1, 3, 10, 0, 0, 0, ny) }

	end := a.clampEnd(day(31), "1d")
	if end.After(day(3)) || end.Before(day(2)) {
		t.Errorf("clampEnd = %v, want within 2024-01-02", end)
	}
	if got := a.clampEnd(day(31), "1h"); !got.Equal(day(31)) {
		t.Errorf("intraday clampEnd = %v, want unchanged", got)
	}
	if a.Name() != "alpaca" {
		t.Errorf("Name() = %q", a.Name())
	}
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Storage.DataDir = t.TempDir()

	if got := FromConfig(cfg, nil).Names(); len(got) != 1 || got[0] != "parquet" {
		t.Errorf("Names without credentials = %v, want [parquet]", got)
	}

	cfg.Alpaca.APIKey, cfg.Alpaca.APISecret = "key", "secret"
	if _, err := FromConfig(cfg, nil).Get("alpaca"); err != nil {
		t.Errorf("Get(alpaca) with credentials: %v", err)
	}
}
