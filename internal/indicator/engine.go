package indicator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// ErrUnknownIndicator is returned for names absent from the registry.
var ErrUnknownIndicator = errors.New("unknown indicator")

// SourceFunc yields the input value of a column at row i. It is called for
// each row in order, and never for a row beyond the requested cursor.
type SourceFunc func(i int) (float64, error)

// Key identifies one cached column. Source is the canonical text of the
// input expression so that nested sources get their own entry.
type Key struct {
	Series string
	Name   string
	Source string
	Params string
}

func (k Key) String() string {
	if k.Params == "" {
		return fmt.Sprintf("%s/%s(%s)", k.Series, k.Name, k.Source)
	}
	return fmt.Sprintf("%s/%s(%s,%s)", k.Series, k.Name, k.Source, k.Params)
}

// column holds the materialized values of one Key. Values only grow. A row
// whose source failed holds NaN and its error stays in rowErrs.
type column struct {
	mu      sync.Mutex
	calc    Calculator
	values  []float64
	rowErrs map[int]error
}

// Engine computes indicators over series and memoizes each distinct
// (series, name, source, params) column for the lifetime of the engine.
type Engine struct {
	defs map[string]Definition

	mu      sync.Mutex
	columns map[Key]*column
}

// NewEngine creates an engine over defs. A nil map selects Builtins.
func NewEngine(defs map[string]Definition) *Engine {
	if defs == nil {
		defs = Builtins()
	}
	norm := make(map[string]Definition, len(defs))
	for name, d := range defs {
		norm[normalizeName(name)] = d
	}
	return &Engine{defs: norm, columns: make(map[Key]*column)}
}

// Lookup returns the definition registered under name (case-insensitive).
func (e *Engine) Lookup(name string) (Definition, bool) {
	d, ok := e.defs[normalizeName(name)]
	return d, ok
}

// Names lists the registered indicator names.
func (e *Engine) Names() []string { return Names(e.defs) }

// Compute returns indicator name at row cursor of the column identified by
// (seriesID, sourceKey, args), extending the cached column through cursor
// with values pulled from src.
func (e *Engine) Compute(seriesID, name, sourceKey string, args []float64, src SourceFunc, cursor int) (float64, error) {
	def, ok := e.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrUnknownIndicator)
	}
	if cursor < 0 {
		return def.Neutral, nil
	}
	params, err := def.Resolve(args)
	if err != nil {
		return 0, err
	}
	key := Key{Series: seriesID, Name: def.Name, Source: sourceKey, Params: joinParams(params)}
	col := e.column(key, def, params)

	col.mu.Lock()
	defer col.mu.Unlock()
	for i := len(col.values); i <= cursor; i++ {
		v, err := src(i)
		if err != nil {
			if errors.Is(err, ErrOutOfRange) {
				return 0, fmt.Errorf("%s row %d: %w", key, i, err)
			}
			if col.rowErrs == nil {
				col.rowErrs = make(map[int]error)
			}
			col.rowErrs[i] = fmt.Errorf("%s row %d: %w", key, i, err)
			v = math.NaN()
		}
		col.values = append(col.values, col.calc.Next(v))
	}
	if err := col.rowErrs[cursor]; err != nil {
		return 0, err
	}
	return col.values[cursor], nil
}

// ComputeOn is Compute with the definition's default column of s as input.
func (e *Engine) ComputeOn(s *Series, name string, args []float64, cursor int) (float64, error) {
	def, ok := e.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrUnknownIndicator)
	}
	return e.Compute(s.ID(), def.Name, def.Source, args, func(i int) (float64, error) {
		return s.Value(def.Source, i)
	}, cursor)
}

// Columns returns the number of materialized columns.
func (e *Engine) Columns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.columns)
}

// Len returns how many rows of key have been computed.
func (e *Engine) Len(key Key) int {
	e.mu.Lock()
	col, ok := e.columns[key]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	col.mu.Lock()
	defer col.mu.Unlock()
	return len(col.values)
}

// Drop discards every column of the given series.
func (e *Engine) Drop(seriesID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.columns {
		if k.Series == seriesID {
			delete(e.columns, k)
		}
	}
}

func (e *Engine) column(key Key, def Definition, params []int) *column {
	e.mu.Lock()
	defer e.mu.Unlock()
	col, ok := e.columns[key]
	if !ok {
		col = &column{calc: def.New(params)}
		e.columns[key] = col
	}
	return col
}

func joinParams(params []int) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
