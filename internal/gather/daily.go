package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/store"
	"quantbt/internal/util"
)

var _ Gatherer = (*DailyBars)(nil)

// MultiLoader fetches bars for many symbols in one call.
type MultiLoader interface {
	LoadMulti(ctx context.Context, symbols []string, start, end time.Time, freq string) (map[string][]domain.Bar, error)
}

// DailyBarsConfig configures NewDailyBars.
type DailyBarsConfig struct {
	Symbols []string
	Start   time.Time
	// End defaults to the last completed session of Market.
	End time.Time
	// Market is "us" or "cn"; empty means "us".
	Market     string
	BatchSize  int // symbols per request (100)
	MaxWorkers int // concurrent requests (4)
	Logger     *slog.Logger
}

// DailyBars fetches daily bars for a symbol list in batches and writes them
// to a Parquet bar store. A pass is idempotent per end date: once every
// batch succeeded the date is marked completed and later runs for the same
// date return immediately. Symbols that returned nothing are remembered and
// skipped until the end date moves.
type DailyBars struct {
	loader MultiLoader
	store  *store.ParquetStore
	cfg    DailyBarsConfig
	now    func() time.Time
	log    *slog.Logger
}

// NewDailyBars creates a DailyBars gatherer.
func NewDailyBars(loader MultiLoader, s *store.ParquetStore, cfg DailyBarsConfig) *DailyBars {
	if cfg.Market == "" {
		cfg.Market = string(domain.MarketUS)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DailyBars{
		loader: loader,
		store:  s,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.With("gatherer", cfg.Market+"-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBars) Name() string { return g.cfg.Market + "-daily" }

func (g *DailyBars) endDate() time.Time {
	if !g.cfg.End.IsZero() {
		return g.cfg.End
	}
	cal := util.NewTradingCalendar(domain.Market(g.cfg.Market))
	return cal.LastCompletedSession(g.now())
}

// Run fetches every configured symbol not yet known to be empty.
func (g *DailyBars) Run(ctx context.Context) error {
	if len(g.cfg.Symbols) == 0 {
		return errors.New("no symbols configured")
	}
	if g.cfg.Start.IsZero() {
		return errors.New("start date is required")
	}
	end := g.endDate()
	if !end.After(g.cfg.Start) {
		return fmt.Errorf("end %s is not after start %s", end.Format(dateLayout), g.cfg.Start.Format(dateLayout))
	}
	endStr := end.Format(dateLayout)

	tracker, err := newProgressTracker(filepath.Join(g.store.DataDir, g.cfg.Market, "daily"))
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	if tracker.IsCompleted(endStr) {
		g.log.Info("already completed", "endDate", endStr)
		return nil
	}
	if last := tracker.LastCompleted(); last != "" && last != endStr {
		if err := tracker.Reset(); err != nil {
			return fmt.Errorf("resetting tracker: %w", err)
		}
	}

	var remaining []string
	seen := make(map[string]bool)
	for _, raw := range g.cfg.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" || seen[sym] || tracker.IsTriedEmpty(sym) {
			continue
		}
		seen[sym] = true
		remaining = append(remaining, sym)
	}
	sort.Strings(remaining)

	var batches [][]string
	for i := 0; i < len(remaining); i += g.cfg.BatchSize {
		batches = append(batches, remaining[i:min(i+g.cfg.BatchSize, len(remaining))])
	}
	g.log.Info("starting daily gather",
		"endDate", endStr,
		"remaining", len(remaining),
		"batches", len(batches),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		errs      []error
		totalHits atomic.Int64
		totalMiss atomic.Int64
		runStart  = time.Now()
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	workers := min(g.cfg.MaxWorkers, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				batch := batches[idx]
				label := fmt.Sprintf("%d/%d", idx+1, len(batches))

				byTicker, err := g.loader.LoadMulti(ctx, batch, g.cfg.Start, end, "1d")
				if err != nil {
					g.log.Error("batch fetch failed", "batch", label, "err", err)
					fail(fmt.Errorf("batch %s: %w", label, err))
					continue
				}

				var (
					bars  []domain.Bar
					empty []string
				)
				for _, sym := range batch {
					got := byTicker[sym]
					if len(got) == 0 {
						empty = append(empty, sym)
						continue
					}
					bars = append(bars, got...)
				}
				if err := g.store.WriteBarsForMarket(bars, g.cfg.Market); err != nil {
					g.log.Error("writing bars failed", "batch", label, "err", err)
					fail(fmt.Errorf("batch %s: %w", label, err))
					continue
				}
				if err := tracker.MarkEmpty(empty); err != nil {
					g.log.Error("marking empty failed", "err", err)
				}

				hits := int64(len(batch) - len(empty))
				totalHits.Add(hits)
				totalMiss.Add(int64(len(empty)))
				g.log.Info("batch done",
					"batch", label,
					"hits", hits,
					"empty", len(empty),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := tracker.MarkCompleted(endStr); err != nil {
		return fmt.Errorf("marking completed: %w", err)
	}
	g.log.Info("complete",
		"hits", totalHits.Load(),
		"empty", totalMiss.Load(),
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return nil
}
