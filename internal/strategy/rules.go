package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quantbt/internal/domain"
	"quantbt/internal/expr"
)

// Compile-time interface checks.
var _ Strategy = (*RuleStrategy)(nil)
var _ Tracer = (*RuleStrategy)(nil)

// Rules holds the rule text for each signal kind. Empty rules never fire.
type Rules struct {
	Open   string `yaml:"open_rule" json:"open_rule"`
	Close  string `yaml:"close_rule" json:"close_rule"`
	Add    string `yaml:"buy_rule" json:"buy_rule"`
	Reduce string `yaml:"sell_rule" json:"sell_rule"`
}

// TraceRow is one bar of a rule strategy's debug trace: every evaluated
// indicator column plus the outcome of each rule (1 or 0).
type TraceRow struct {
	Index     int
	Timestamp time.Time
	Values    map[string]float64
}

type compiledRule struct {
	kind  domain.SignalKind
	label string
	text  string
	tree  *expr.Tree
}

// RuleStrategy emits signals from compiled rule expressions. While flat only
// OPEN can fire. While holding, CLOSE takes precedence; when it does not
// fire, ADD and REDUCE may both fire.
type RuleStrategy struct {
	name   string
	symbol string
	rules  []compiledRule
	log    *slog.Logger

	mu    sync.Mutex
	trace []TraceRow
}

// NewRuleStrategy compiles rules. Any malformed rule fails construction with
// the joined *expr.ParseError values.
func NewRuleStrategy(name, symbol string, rules Rules, logger *slog.Logger) (*RuleStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RuleStrategy{
		name:   name,
		symbol: symbol,
		log:    logger.With("component", "strategy", "strategy", name),
	}
	var errs []error
	for _, r := range []struct {
		kind  domain.SignalKind
		label string
		text  string
	}{
		{domain.SignalOpen, "open_rule", rules.Open},
		{domain.SignalClose, "close_rule", rules.Close},
		{domain.SignalAdd, "buy_rule", rules.Add},
		{domain.SignalReduce, "sell_rule", rules.Reduce},
	} {
		if r.text == "" {
			continue
		}
		tree, err := expr.Compile(r.text)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.label, err))
			continue
		}
		s.rules = append(s.rules, compiledRule{kind: r.kind, label: r.label, text: r.text, tree: tree})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(s.rules) == 0 {
		return nil, fmt.Errorf("strategy %s: no rules configured", name)
	}
	return s, nil
}

// Name returns the strategy name.
func (s *RuleStrategy) Name() string { return s.name }

// Symbol returns the traded symbol.
func (s *RuleStrategy) Symbol() string { return s.symbol }

// Init resets the trace.
func (s *RuleStrategy) Init(_ context.Context) error {
	s.mu.Lock()
	s.trace = nil
	s.mu.Unlock()
	return nil
}

// OnBar evaluates every configured rule at the cursor so that the trace has
// a complete row, then selects signals by position.
func (s *RuleStrategy) OnBar(_ context.Context, v View) ([]domain.Signal, error) {
	ev := expr.NewEvaluator(v.Indicators, v.Series)
	bar := v.Bar()
	row := TraceRow{Index: v.Cursor, Timestamp: bar.Timestamp, Values: make(map[string]float64)}
	record := func(label string, val expr.Value) { row.Values[label] = val.Float() }

	fired := make(map[domain.SignalKind]*compiledRule, len(s.rules))
	var errs []error
	for i := range s.rules {
		r := &s.rules[i]
		ok, err := ev.EvalBool(r.tree, v.Cursor, record)
		if err != nil {
			s.log.Debug("rule evaluation failed", "rule", r.label, "index", v.Cursor, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", s.name, r.label, err))
			continue
		}
		if ok {
			row.Values[r.label] = 1
			fired[r.kind] = r
		} else {
			row.Values[r.label] = 0
		}
	}

	s.mu.Lock()
	s.trace = append(s.trace, row)
	s.mu.Unlock()

	var kinds []domain.SignalKind
	switch {
	case v.Position == 0:
		kinds = []domain.SignalKind{domain.SignalOpen}
	case fired[domain.SignalClose] != nil:
		kinds = []domain.SignalKind{domain.SignalClose}
	default:
		kinds = []domain.SignalKind{domain.SignalAdd, domain.SignalReduce}
	}

	var signals []domain.Signal
	for _, k := range kinds {
		r := fired[k]
		if r == nil {
			continue
		}
		signals = append(signals, domain.Signal{
			StrategyID: s.name,
			Symbol:     s.symbol,
			Kind:       k,
			Strength:   1,
			Index:      v.Cursor,
			Timestamp:  bar.Timestamp,
			Metadata:   map[string]string{"rule": r.text},
		})
	}
	return signals, errors.Join(errs...)
}

// Trace returns a copy of the rows recorded so far.
func (s *RuleStrategy) Trace() []TraceRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TraceRow, len(s.trace))
	copy(out, s.trace)
	return out
}

// Columns returns the trace column names in a stable order: indicator
// columns in rule order followed by the rule outcomes.
func (s *RuleStrategy) Columns() []string {
	var cols []string
	seen := make(map[string]bool)
	for _, r := range s.rules {
		for _, c := range r.tree.Calls() {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	for _, r := range s.rules {
		cols = append(cols, r.label)
	}
	return cols
}
