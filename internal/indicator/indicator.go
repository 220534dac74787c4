package indicator

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrBadParams is returned when an indicator is given invalid parameters.
var ErrBadParams = errors.New("invalid indicator parameters")

// Calculator consumes one source value per row, in row order, and returns
// the indicator value for that row. An undefined row arrives as NaN; while it
// is inside the calculator's window the output is the warm-up value.
type Calculator interface {
	Next(v float64) float64
}

// Param describes one numeric parameter of an indicator. A NaN Default marks
// the parameter as required.
type Param struct {
	Name    string
	Default float64
}

// Definition describes a registered indicator.
type Definition struct {
	Name string
	// Neutral is returned for rows before the start of history.
	Neutral float64
	// Source is the default input column when the call names none.
	Source string
	Params []Param
	New    func(params []int) Calculator
}

// Resolve fills defaults and validates args as positive integer periods.
func (d Definition) Resolve(args []float64) ([]int, error) {
	if len(args) > len(d.Params) {
		return nil, fmt.Errorf("%s takes at most %d parameters, got %d: %w",
			d.Name, len(d.Params), len(args), ErrBadParams)
	}
	out := make([]int, len(d.Params))
	for i, p := range d.Params {
		v := p.Default
		if i < len(args) {
			v = args[i]
		}
		if math.IsNaN(v) {
			return nil, fmt.Errorf("%s: missing parameter %s: %w", d.Name, p.Name, ErrBadParams)
		}
		n := int(v)
		if float64(n) != v || n <= 0 {
			return nil, fmt.Errorf("%s: %s must be a positive integer, got %v: %w", d.Name, p.Name, v, ErrBadParams)
		}
		out[i] = n
	}
	return out, nil
}

var required = math.NaN()

// Builtins returns the standard indicator set keyed by upper-case name.
func Builtins() map[string]Definition {
	defs := []Definition{
		{
			Name:   "SMA",
			Source: ColumnClose,
			Params: []Param{{Name: "n", Default: required}},
			New:    func(p []int) Calculator { return newSMA(p[0]) },
		},
		{
			Name:   "EMA",
			Source: ColumnClose,
			Params: []Param{{Name: "n", Default: required}},
			New:    func(p []int) Calculator { return newEMA(p[0]) },
		},
		{
			Name:    "RSI",
			Neutral: 50,
			Source:  ColumnClose,
			Params:  []Param{{Name: "n", Default: 14}},
			New:     func(p []int) Calculator { return newRSI(p[0]) },
		},
		{
			Name:   "MACD",
			Source: ColumnClose,
			Params: []Param{{Name: "fast", Default: 12}, {Name: "slow", Default: 26}},
			New:    func(p []int) Calculator { return &macd{fast: newEMA(p[0]), slow: newEMA(p[1])} },
		},
		{
			Name:   "VOLUME",
			Source: ColumnVolume,
			New:    func([]int) Calculator { return passthrough{} },
		},
	}
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return m
}

// Names returns the sorted names in defs.
func Names(defs map[string]Definition) []string {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string { return strings.ToUpper(name) }

// ---------------------------------------------------------------------------
// Calculators
// ---------------------------------------------------------------------------

// ring is a fixed-capacity window of the most recent values.
type ring struct {
	buf   []float64
	next  int
	count int
}

func newRing(n int) *ring { return &ring{buf: make([]float64, n)} }

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) full() bool { return r.count == len(r.buf) }

// hasNaN reports whether an undefined value is still inside the window.
func (r *ring) hasNaN() bool {
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for k := 0; k < r.count; k++ {
		if math.IsNaN(r.buf[(start+k)%len(r.buf)]) {
			return true
		}
	}
	return false
}

// mean sums the window in insertion order so results match a direct
// arithmetic mean without running-sum drift.
func (r *ring) mean() float64 {
	var sum float64
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for k := 0; k < r.count; k++ {
		sum += r.buf[(start+k)%len(r.buf)]
	}
	return sum / float64(r.count)
}

// sma returns 0 until n values have been seen.
type sma struct{ w *ring }

func newSMA(n int) *sma { return &sma{w: newRing(n)} }

func (s *sma) Next(v float64) float64 {
	s.w.push(v)
	if !s.w.full() || s.w.hasNaN() {
		return 0
	}
	return s.w.mean()
}

// ema is the bias-adjusted exponential mean: each row is the weighted
// average of all prior values with weights (1-alpha)^k. An undefined row
// contributes nothing but still ages the earlier weights.
type ema struct {
	decay float64
	num   float64
	den   float64
}

func newEMA(span int) *ema {
	alpha := 2 / (float64(span) + 1)
	return &ema{decay: 1 - alpha}
}

func (e *ema) Next(v float64) float64 {
	if math.IsNaN(v) {
		e.num *= e.decay
		e.den *= e.decay
	} else {
		e.num = v + e.decay*e.num
		e.den = 1 + e.decay*e.den
	}
	if e.den == 0 {
		return math.NaN()
	}
	return e.num / e.den
}

type macd struct{ fast, slow *ema }

func (m *macd) Next(v float64) float64 {
	d := m.fast.Next(v) - m.slow.Next(v)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	return d
}

// rsi averages the last n gains and losses with a simple rolling mean.
type rsi struct {
	gains, losses *ring
	prev          float64
	seen          bool
}

func newRSI(n int) *rsi { return &rsi{gains: newRing(n), losses: newRing(n)} }

func (r *rsi) Next(v float64) float64 {
	if !r.seen {
		r.prev, r.seen = v, true
		return 50
	}
	d := v - r.prev
	r.prev = v
	switch {
	case math.IsNaN(d):
		r.gains.push(d)
		r.losses.push(d)
	case d > 0:
		r.gains.push(d)
		r.losses.push(0)
	case d < 0:
		r.gains.push(0)
		r.losses.push(-d)
	default:
		r.gains.push(0)
		r.losses.push(0)
	}
	if !r.gains.full() || r.gains.hasNaN() {
		return 50
	}
	avgGain, avgLoss := r.gains.mean(), r.losses.mean()
	if avgLoss == 0 {
		return 100
	}
	out := 100 - 100/(1+avgGain/avgLoss)
	if math.IsNaN(out) {
		return 50
	}
	return out
}

type passthrough struct{}

func (passthrough) Next(v float64) float64 { return v }
