package expr

import (
	"errors"
	"fmt"
	"math"

	"quantbt/internal/indicator"
)

var (
	// ErrUndefinedValue is returned when a referenced row or value does not
	// exist at the cursor.
	ErrUndefinedValue = errors.New("undefined value")
	// ErrUnknownIndicator aliases the indicator registry's sentinel.
	ErrUnknownIndicator = indicator.ErrUnknownIndicator
	// ErrUnknownColumn aliases the series' sentinel.
	ErrUnknownColumn = indicator.ErrUnknownColumn
)

// EvalError wraps a failure evaluating one expression at one row.
type EvalError struct {
	Expr   string
	Cursor int
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s at row %d: %v", e.Expr, e.Cursor, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Value is the result of evaluating a node: a number or a boolean.
type Value struct {
	Num    float64
	Bool   bool
	IsBool bool
}

// Number wraps f.
func Number(f float64) Value { return Value{Num: f} }

// Boolean wraps b.
func Boolean(b bool) Value { return Value{Bool: b, IsBool: true} }

// Float coerces v to a number; booleans become 1 or 0.
func (v Value) Float() float64 {
	if v.IsBool {
		if v.Bool {
			return 1
		}
		return 0
	}
	return v.Num
}

// Truth coerces v to a boolean; numbers are true when non-zero.
func (v Value) Truth() bool {
	if v.IsBool {
		return v.Bool
	}
	return v.Num != 0
}

func (v Value) String() string {
	if v.IsBool {
		return fmt.Sprint(v.Bool)
	}
	return fmt.Sprint(v.Num)
}

// Recorder receives the value of every top-level call evaluated at the
// cursor. Label is the call's canonical text.
type Recorder func(label string, v Value)

// Evaluator evaluates trees against one series. It holds no per-tree state;
// all caching lives in the indicator engine, so one Evaluator may serve many
// trees and concurrent callers.
type Evaluator struct {
	Indicators *indicator.Engine
	Series     *indicator.Series
}

// NewEvaluator binds an indicator engine to a series.
func NewEvaluator(engine *indicator.Engine, series *indicator.Series) *Evaluator {
	return &Evaluator{Indicators: engine, Series: series}
}

// Eval evaluates t at row cursor. No row after cursor is read. Failures are
// returned as *EvalError.
func (ev *Evaluator) Eval(t *Tree, cursor int, rec Recorder) (Value, error) {
	if cursor < 0 || cursor >= ev.Series.Len() {
		return Value{}, &EvalError{Expr: t.Source, Cursor: cursor, Err: fmt.Errorf("row %d of %d: %w", cursor, ev.Series.Len(), ErrUndefinedValue)}
	}
	v, err := ev.eval(t.Root, cursor, rec)
	if err != nil {
		return Value{}, &EvalError{Expr: t.Source, Cursor: cursor, Err: err}
	}
	return v, nil
}

// EvalBool evaluates t and coerces the result to a boolean.
func (ev *Evaluator) EvalBool(t *Tree, cursor int, rec Recorder) (bool, error) {
	v, err := ev.Eval(t, cursor, rec)
	if err != nil {
		return false, err
	}
	return v.Truth(), nil
}

func (ev *Evaluator) eval(n *Node, cursor int, rec Recorder) (Value, error) {
	switch n.Kind {
	case KindLiteral:
		if n.IsBool {
			return Boolean(n.Bool), nil
		}
		return Number(n.Num), nil

	case KindVariable:
		if cursor < 0 {
			return ev.neutral(n)
		}
		v, err := ev.Series.Value(n.Name, cursor)
		if err != nil {
			if errors.Is(err, indicator.ErrOutOfRange) {
				return Value{}, fmt.Errorf("%s: %w", n.Name, ErrUndefinedValue)
			}
			return Value{}, err
		}
		if math.IsNaN(v) {
			return Value{}, fmt.Errorf("%s at row %d: %w", n.Name, cursor, ErrUndefinedValue)
		}
		return Number(v), nil

	case KindCall:
		v, err := ev.call(n, cursor)
		if err != nil {
			return Value{}, err
		}
		if rec != nil {
			rec(n.String(), v)
		}
		return v, nil

	case KindCompare:
		// Both sides are always evaluated.
		l, lerr := ev.eval(n.Args[0], cursor, rec)
		r, rerr := ev.eval(n.Args[1], cursor, rec)
		if err := errors.Join(lerr, rerr); err != nil {
			return Value{}, err
		}
		a, b := l.Float(), r.Float()
		switch n.Op {
		case OpGT:
			return Boolean(a > b), nil
		case OpLT:
			return Boolean(a < b), nil
		default:
			return Boolean(a == b), nil
		}

	case KindLogic:
		if n.Op == OpNot {
			v, err := ev.eval(n.Args[0], cursor, rec)
			if err != nil {
				return Value{}, err
			}
			return Boolean(!v.Truth()), nil
		}
		// No short-circuit: every operand is evaluated so traces and
		// indicator columns advance identically on every bar.
		l, lerr := ev.eval(n.Args[0], cursor, rec)
		r, rerr := ev.eval(n.Args[1], cursor, rec)
		if err := errors.Join(lerr, rerr); err != nil {
			return Value{}, err
		}
		if n.Op == OpAnd {
			return Boolean(l.Truth() && r.Truth()), nil
		}
		return Boolean(l.Truth() || r.Truth()), nil
	}
	return Value{}, fmt.Errorf("node kind %s not evaluable", n.Kind)
}

func (ev *Evaluator) call(n *Node, cursor int) (Value, error) {
	if n.Name == RefName {
		shift := int(n.Args[1].Num)
		if cursor-shift < 0 {
			return ev.neutral(n.Args[0])
		}
		return ev.eval(n.Args[0], cursor-shift, nil)
	}

	def, ok := ev.Indicators.Lookup(n.Name)
	if !ok {
		return Value{}, fmt.Errorf("%s: %w", n.Name, ErrUnknownIndicator)
	}
	if cursor < 0 {
		return Number(def.Neutral), nil
	}

	// The first argument is the source series unless it is a number.
	args := n.Args
	var source *Node
	if len(args) > 0 && !(args[0].Kind == KindLiteral && !args[0].IsBool) {
		source, args = args[0], args[1:]
	}

	params := make([]float64, 0, len(args))
	for _, a := range args {
		v, err := ev.eval(a, cursor, nil)
		if err != nil {
			return Value{}, err
		}
		params = append(params, v.Float())
	}

	var (
		sourceKey string
		src       indicator.SourceFunc
	)
	if source == nil {
		col := def.Source
		sourceKey = col
		src = func(i int) (float64, error) { return ev.column(col, i) }
	} else if source.Kind == KindVariable {
		col := source.Name
		sourceKey = col
		src = func(i int) (float64, error) { return ev.column(col, i) }
	} else {
		sourceKey = source.String()
		src = func(i int) (float64, error) {
			v, err := ev.eval(source, i, nil)
			if err != nil {
				return 0, err
			}
			return v.Float(), nil
		}
	}

	v, err := ev.Indicators.Compute(ev.Series.ID(), def.Name, sourceKey, params, src, cursor)
	if err != nil {
		return Value{}, err
	}
	return Number(v), nil
}

func (ev *Evaluator) column(name string, i int) (float64, error) {
	v, err := ev.Series.Value(name, i)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, fmt.Errorf("%s at row %d: %w", name, i, ErrUndefinedValue)
	}
	return v, nil
}

// neutral is the value of n at a row before the start of history.
func (ev *Evaluator) neutral(n *Node) (Value, error) {
	switch n.Kind {
	case KindLiteral:
		return ev.eval(n, 0, nil)
	case KindVariable:
		if !indicator.IsColumn(n.Name) {
			return Value{}, fmt.Errorf("%q: %w", n.Name, ErrUnknownColumn)
		}
		return Number(0), nil
	case KindCall:
		if n.Name == RefName {
			return ev.neutral(n.Args[0])
		}
		def, ok := ev.Indicators.Lookup(n.Name)
		if !ok {
			return Value{}, fmt.Errorf("%s: %w", n.Name, ErrUnknownIndicator)
		}
		return Number(def.Neutral), nil
	}
	return Boolean(false), nil
}
