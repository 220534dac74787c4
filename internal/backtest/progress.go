package backtest

import (
	"log/slog"
	"time"
)

// Progress receives run progress. One handle serves one run.
type Progress interface {
	Start(runID string, total int)
	Step(done, total int, ts time.Time)
	Finish(status Status)
}

// NopProgress discards progress.
type NopProgress struct{}

func (NopProgress) Start(string, int)        {}
func (NopProgress) Step(int, int, time.Time) {}
func (NopProgress) Finish(Status)            {}

// LogProgress logs every Every steps (default 250) and at the end.
type LogProgress struct {
	Logger *slog.Logger
	Every  int

	runID string
	begun time.Time
}

// NewLogProgress creates a LogProgress on logger.
func NewLogProgress(logger *slog.Logger, every int) *LogProgress {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = 250
	}
	return &LogProgress{Logger: logger.With("component", "progress"), Every: every}
}

func (p *LogProgress) Start(runID string, total int) {
	p.runID = runID
	p.begun = time.Now()
	p.Logger.Info("backtest started", "run_id", runID, "bars", total)
}

func (p *LogProgress) Step(done, total int, ts time.Time) {
	if done%p.Every != 0 && done != total {
		return
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	p.Logger.Info("backtest progress", "run_id", p.runID, "done", done, "total", total,
		"percent", pct, "bar_time", ts.Format("2006-01-02"))
}

func (p *LogProgress) Finish(status Status) {
	p.Logger.Info("backtest finished", "run_id", p.runID, "status", status,
		"elapsed", time.Since(p.begun).Round(time.Millisecond))
}
