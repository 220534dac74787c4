package strategy

import (
	"fmt"
	"math"
	"sync"
)

// Sizer turns a signal's strength into a cash amount to commit.
type Sizer interface {
	Name() string
	Amount(equity, strength float64) float64
}

// OutcomeRecorder is implemented by sizers that adapt to the realized P&L of
// completed round trips.
type OutcomeRecorder interface {
	RecordOutcome(pnl float64)
}

// NewSizer builds a sizer by name. Unknown names and out-of-range
// parameters are errors.
func NewSizer(name string, params map[string]float64) (Sizer, error) {
	get := func(key string, def float64) float64 {
		if v, ok := params[key]; ok {
			return v
		}
		return def
	}
	switch name {
	case "", "fixed_percent":
		return NewFixedPercent(get("percent", 0.1))
	case "kelly":
		return NewKelly(get("win_rate", 0.5), get("win_loss_ratio", 2), get("max_percent", 0.25))
	case "martingale":
		return NewMartingale(get("base_percent", 0.05), get("multiplier", 2), int(get("max_doubles", 5)))
	}
	return nil, fmt.Errorf("unknown position strategy %q", name)
}

func clampStrength(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}

// FixedPercent commits a constant fraction of equity.
type FixedPercent struct {
	Percent float64
}

// NewFixedPercent validates percent in [0, 1].
func NewFixedPercent(percent float64) (*FixedPercent, error) {
	if percent < 0 || percent > 1 {
		return nil, fmt.Errorf("fixed_percent: percent %v outside [0, 1]", percent)
	}
	return &FixedPercent{Percent: percent}, nil
}

func (f *FixedPercent) Name() string { return "fixed_percent" }

func (f *FixedPercent) Amount(equity, strength float64) float64 {
	return equity * f.Percent * clampStrength(strength)
}

// Kelly sizes by the Kelly fraction (w*(r+1)-1)/r, clamped to
// [0, MaxPercent].
type Kelly struct {
	WinRate      float64
	WinLossRatio float64
	MaxPercent   float64
}

// NewKelly validates its inputs.
func NewKelly(winRate, winLossRatio, maxPercent float64) (*Kelly, error) {
	if winRate < 0 || winRate > 1 {
		return nil, fmt.Errorf("kelly: win_rate %v outside [0, 1]", winRate)
	}
	if winLossRatio <= 0 {
		return nil, fmt.Errorf("kelly: win_loss_ratio must be positive, got %v", winLossRatio)
	}
	if maxPercent < 0 || maxPercent > 1 {
		return nil, fmt.Errorf("kelly: max_percent %v outside [0, 1]", maxPercent)
	}
	return &Kelly{WinRate: winRate, WinLossRatio: winLossRatio, MaxPercent: maxPercent}, nil
}

func (k *Kelly) Name() string { return "kelly" }

// Fraction returns the clamped Kelly fraction.
func (k *Kelly) Fraction() float64 {
	f := (k.WinRate*(k.WinLossRatio+1) - 1) / k.WinLossRatio
	return math.Max(0, math.Min(f, k.MaxPercent))
}

func (k *Kelly) Amount(equity, strength float64) float64 {
	return equity * k.Fraction() * clampStrength(strength)
}

// Martingale multiplies its base fraction after every losing round trip and
// resets after a winning one. The number of consecutive doublings is capped.
type Martingale struct {
	BasePercent float64
	Multiplier  float64
	MaxDoubles  int

	mu     sync.Mutex
	losses int
}

// NewMartingale validates its inputs.
func NewMartingale(basePercent, multiplier float64, maxDoubles int) (*Martingale, error) {
	if basePercent <= 0 || basePercent > 1 {
		return nil, fmt.Errorf("martingale: base_percent %v outside (0, 1]", basePercent)
	}
	if multiplier < 1 {
		return nil, fmt.Errorf("martingale: multiplier must be >= 1, got %v", multiplier)
	}
	if maxDoubles < 0 {
		return nil, fmt.Errorf("martingale: max_doubles must be >= 0, got %d", maxDoubles)
	}
	return &Martingale{BasePercent: basePercent, Multiplier: multiplier, MaxDoubles: maxDoubles}, nil
}

func (m *Martingale) Name() string { return "martingale" }

func (m *Martingale) Amount(equity, strength float64) float64 {
	m.mu.Lock()
	k := m.losses
	m.mu.Unlock()
	pct := math.Min(1, m.BasePercent*math.Pow(m.Multiplier, float64(k)))
	return equity * pct * clampStrength(strength)
}

// RecordOutcome advances or resets the doubling counter.
func (m *Martingale) RecordOutcome(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnl < 0 {
		if m.losses < m.MaxDoubles {
			m.losses++
		}
		return
	}
	m.losses = 0
}
