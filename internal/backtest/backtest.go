// Package backtest replays historical bars through strategies, the order
// engine, and the portfolio ledger on a virtual clock.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"quantbt/internal/broker"
	"quantbt/internal/bus"
	"quantbt/internal/datasource"
	"quantbt/internal/domain"
	"quantbt/internal/engine"
	"quantbt/internal/indicator"
	"quantbt/internal/metrics"
	"quantbt/internal/portfolio"
	"quantbt/internal/store"
	"quantbt/internal/strategy"
)

// maxLoaders bounds concurrent symbol loads.
const maxLoaders = 8

// Options carries the collaborators of a Backtester.
type Options struct {
	Source     datasource.Source
	Strategies *strategy.Registry
	// Sizer defaults to 10% of equity per entry.
	Sizer strategy.Sizer
	// Store persists orders. Nil keeps them in memory only.
	Store    store.OrderStore
	Progress Progress
	Logger   *slog.Logger
}

// Backtester runs one configured simulation. It is not reusable across
// concurrent Run calls.
type Backtester struct {
	cfg        Config
	source     datasource.Source
	strategies *strategy.Registry
	sizer      strategy.Sizer
	store      store.OrderStore
	progress   Progress
	logger     *slog.Logger
}

// New validates the collaborators and returns a Backtester.
func New(cfg Config, opts Options) (*Backtester, error) {
	if opts.Source == nil {
		return nil, errors.New("backtest: nil data source")
	}
	if opts.Strategies == nil || len(opts.Strategies.List()) == 0 {
		return nil, errors.New("backtest: no strategies")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("backtest: no symbols")
	}
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("backtest: initial capital %v must be positive", cfg.InitialCapital)
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = 1
	}
	if cfg.ReduceFraction <= 0 || cfg.ReduceFraction > 1 {
		cfg.ReduceFraction = 0.5
	}
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeMarket
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = domain.TimeInForceDay
	}
	if cfg.Frequency == "" {
		cfg.Frequency = "1d"
	}
	sizer := opts.Sizer
	if sizer == nil {
		sizer, _ = strategy.NewSizer("fixed_percent", nil)
	}
	progress := opts.Progress
	if progress == nil {
		progress = NopProgress{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backtester{
		cfg:        cfg,
		source:     opts.Source,
		strategies: opts.Strategies,
		sizer:      sizer,
		store:      opts.Store,
		progress:   progress,
		logger:     logger.With("component", "backtest"),
	}, nil
}

// RunID returns the run identifier: the configured one, or a name-based UUID
// of the configuration and strategy set so that equal inputs share an ID.
func (bt *Backtester) RunID() string {
	if bt.cfg.RunID != "" {
		return bt.cfg.RunID
	}
	c := bt.cfg
	key := fmt.Sprintf("%s|%s|%s|%s|%v|%v|%v|%v|%v|%s|%s|%s|%s",
		strings.Join(c.Symbols, ","), c.Start.UTC().Format(time.RFC3339), c.End.UTC().Format(time.RFC3339),
		c.Frequency, c.InitialCapital, c.CommissionRate, c.Slippage, c.LotSize, c.ReduceFraction,
		c.OrderType, c.TimeInForce, strings.Join(bt.strategies.List(), ","), bt.sizer.Name())
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("quantbt:"+key)).String()
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// run is the mutable state of one Run call.
type run struct {
	bt      *Backtester
	id      string
	bus     *bus.Bus
	engine  *engine.Engine
	ledger  *portfolio.Ledger
	series  map[string]*indicator.Series
	ind     *indicator.Engine
	result  *Result
	roundPL map[string]float64 // realized P&L of the open round trip
}

// Run loads bars, replays them, and returns the result. The returned error
// is non-nil only when the run failed; recoverable problems are listed in
// Result.Errors and the status is completed_with_errors.
func (bt *Backtester) Run(ctx context.Context) (*Result, error) {
	r := &run{
		bt:      bt,
		id:      bt.RunID(),
		series:  make(map[string]*indicator.Series),
		ind:     indicator.NewEngine(nil),
		roundPL: make(map[string]float64),
	}
	r.result = &Result{RunID: r.id, Traces: make(map[string][]strategy.TraceRow), Columns: make(map[string][]string)}

	err := r.execute(ctx)
	res := r.result
	switch {
	case err != nil:
		res.Status = StatusFailed
		res.addError(ErrorRecord{Kind: ErrorKindRun, Message: err.Error()})
	case len(res.Errors) > 0:
		res.Status = StatusCompletedWithErrors
	default:
		res.Status = StatusCompleted
	}
	res.Summary = summarize(res, bt.cfg, r.ledger)
	metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
	bt.progress.Finish(res.Status)
	bt.logger.Info("backtest done", "run_id", r.id, "status", res.Status,
		"total_return", res.Summary.TotalReturn, "trades", res.Summary.TotalTrades, "errors", len(res.Errors))
	if err != nil {
		return res, fmt.Errorf("backtest %s: %w", r.id, err)
	}
	return res, nil
}

func (r *run) execute(ctx context.Context) error {
	bt := r.bt
	cfg := bt.cfg

	bars, err := r.load(ctx)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return fmt.Errorf("no bars for %v between %s and %s", cfg.Symbols,
			cfg.Start.Format("2006-01-02"), cfg.End.Format("2006-01-02"))
	}

	r.bus = bus.New(bus.Config{Start: bars[0].Timestamp, Scale: cfg.BusTimeScale, Logger: bt.logger})
	defer r.bus.Close()
	r.subscribeMetrics()

	orders := engine.NewOrderManager(engine.OrderManagerConfig{
		RunID:  r.id,
		Store:  bt.store,
		Now:    r.bus.Now,
		Logger: bt.logger,
	})
	r.ledger = portfolio.NewLedger(cfg.InitialCapital, bt.logger)
	r.engine = engine.NewEngine(
		broker.NewSimulatorBroker(broker.SimulatorConfig{Slippage: cfg.Slippage, CommissionRate: cfg.CommissionRate}),
		orders,
		r.ledger,
		engine.NewRiskManager(cfg.MaxPositionPct, cfg.CashBuffer),
		bt.logger,
	)

	stopFlusher := func() {}
	if bt.store != nil && cfg.FlushInterval > 0 {
		fctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			orders.RunFlusher(fctx, cfg.FlushInterval)
		}()
		stopFlusher = func() {
			cancel()
			<-done
		}
	}
	// Failed and cancelled runs keep the orders and traces gathered so far.
	defer r.collect(ctx, orders, stopFlusher)

	for _, name := range bt.strategies.List() {
		s, _ := bt.strategies.Get(name)
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("init strategy %s: %w", name, err)
		}
	}

	bt.progress.Start(r.id, len(bars))
	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.step(ctx, bar)
		if i == len(bars)-1 || !bars[i+1].Timestamp.Equal(bar.Timestamp) {
			r.recordEquity(bar.Timestamp)
		}
		bt.progress.Step(i+1, len(bars), bar.Timestamp)
	}
	r.bus.Sync()
	return nil
}

// collect stops the periodic flusher, writes the last order batch, and
// copies orders, traces, and trace columns into the result.
func (r *run) collect(ctx context.Context, orders *engine.OrderManager, stopFlusher func()) {
	bt := r.bt
	// The flusher must be gone before the final flush so batches land in
	// creation order.
	stopFlusher()
	if bt.store != nil {
		if err := orders.Flush(context.WithoutCancel(ctx)); err != nil {
			r.result.addError(ErrorRecord{Kind: ErrorKindStorage, Message: err.Error()})
		}
	}

	r.result.Orders = orders.Orders()
	for _, name := range bt.strategies.List() {
		s, _ := bt.strategies.Get(name)
		if tr, ok := s.(strategy.Tracer); ok {
			r.result.Traces[name] = tr.Trace()
		}
		if c, ok := s.(interface{ Columns() []string }); ok {
			r.result.Columns[name] = c.Columns()
		}
	}
}

// load fetches and validates every symbol, then merges them into one stream
// ordered by timestamp and, within a timestamp, by configured symbol order.
func (r *run) load(ctx context.Context) ([]domain.Bar, error) {
	cfg := r.bt.cfg
	perSymbol := make([][]domain.Bar, len(cfg.Symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxLoaders)
	for i, sym := range cfg.Symbols {
		g.Go(func() error {
			bars, err := r.bt.source.Load(gctx, sym, cfg.Start, cfg.End, cfg.Frequency)
			if err != nil {
				return fmt.Errorf("load %s from %s: %w", sym, r.bt.source.Name(), err)
			}
			if err := datasource.Validate(sym, bars); err != nil {
				return err
			}
			perSymbol[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type keyed struct {
		bar domain.Bar
		sym int
	}
	var all []keyed
	for i, sym := range cfg.Symbols {
		if len(perSymbol[i]) == 0 {
			r.bt.logger.Warn("no bars for symbol", "symbol", sym)
		}
		for _, b := range perSymbol[i] {
			b.Symbol = sym
			all = append(all, keyed{bar: b, sym: i})
		}
		r.series[sym] = indicator.NewSeries(sym)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].bar.Timestamp.Equal(all[j].bar.Timestamp) {
			return all[i].bar.Timestamp.Before(all[j].bar.Timestamp)
		}
		return all[i].sym < all[j].sym
	})
	out := make([]domain.Bar, len(all))
	for i, k := range all {
		out[i] = k.bar
	}
	return out, nil
}

// step processes one bar: advance the clock, extend the series, retry
// resting orders, evaluate strategies, and route their signals.
func (r *run) step(ctx context.Context, bar domain.Bar) {
	r.publish(bus.EventMarket, bar)
	r.bus.AdvanceTo(bar.Timestamp)

	s := r.series[bar.Symbol]
	if err := s.Append(bar); err != nil {
		r.result.addError(ErrorRecord{Timestamp: bar.Timestamp, Symbol: bar.Symbol, Kind: ErrorKindData, Message: err.Error()})
		return
	}
	r.result.Bars++
	r.ledger.MarkPrice(bar.Symbol, bar.Close)

	outcomes, err := r.engine.ProcessResting(ctx, bar)
	for _, o := range outcomes {
		r.handleOutcome(o)
	}
	if err != nil {
		r.result.addError(ErrorRecord{Timestamp: bar.Timestamp, Symbol: bar.Symbol, Kind: ErrorKindOrder, Message: err.Error()})
	}

	cursor := s.Len() - 1
	for _, strat := range r.bt.strategies.ForSymbol(bar.Symbol) {
		view := strategy.View{
			Series:     s,
			Indicators: r.ind,
			Cursor:     cursor,
			Position:   r.ledger.PositionQty(bar.Symbol),
		}
		signals, err := strat.OnBar(ctx, view)
		if err != nil {
			for _, e := range unwrapAll(err) {
				metrics.EvalErrorsTotal.WithLabelValues(strat.Name()).Inc()
				r.result.addError(ErrorRecord{
					Index: cursor, Timestamp: bar.Timestamp, Symbol: bar.Symbol,
					Strategy: strat.Name(), Kind: ErrorKindEvaluation, Message: e.Error(),
				})
			}
		}
		for _, sig := range signals {
			r.result.Signals = append(r.result.Signals, sig)
			r.publish(bus.EventSignal, sig)
			r.route(ctx, sig, bar)
		}
	}
}

// route turns a signal into an order request and submits it.
func (r *run) route(ctx context.Context, sig domain.Signal, bar domain.Bar) {
	cfg := r.bt.cfg
	req, ok := r.orderFor(sig, bar.Close)
	if !ok {
		r.bt.logger.Debug("signal produced no order", "strategy", sig.StrategyID, "symbol", sig.Symbol, "kind", sig.Kind, "index", sig.Index)
		return
	}
	req.Type = cfg.OrderType
	req.TimeInForce = cfg.TimeInForce
	if req.Type == domain.OrderTypeLimit {
		req.Price = bar.Close
	}

	out, err := r.engine.Submit(ctx, req, bar)
	if out.Order.ID != "" {
		r.handleOutcome(out)
	}
	if err == nil {
		return
	}
	rec := ErrorRecord{
		Index: sig.Index, Timestamp: bar.Timestamp, Symbol: sig.Symbol,
		Strategy: sig.StrategyID, OrderID: out.Order.ID, Message: err.Error(),
	}
	switch {
	case errors.Is(err, engine.ErrRiskRejected):
		rec.Kind = ErrorKindRisk
	case errors.Is(err, engine.ErrInvalidTransition):
		rec.Kind = ErrorKindTransition
	default:
		rec.Kind = ErrorKindOrder
	}
	r.result.addError(rec)
}

// orderFor sizes a signal at price. ok is false when the resulting quantity
// rounds to zero lots or there is nothing to sell.
func (r *run) orderFor(sig domain.Signal, price float64) (engine.OrderRequest, bool) {
	cfg := r.bt.cfg
	req := engine.OrderRequest{StrategyID: sig.StrategyID, Symbol: sig.Symbol}
	held := r.ledger.PositionQty(sig.Symbol)

	switch sig.Kind {
	case domain.SignalOpen, domain.SignalAdd:
		if price <= 0 {
			return req, false
		}
		amount := r.bt.sizer.Amount(r.ledger.TotalEquity(), sig.Strength)
		req.Side = domain.OrderSideBuy
		req.Qty = roundLots(amount/price, cfg.LotSize)
	case domain.SignalClose:
		req.Side = domain.OrderSideSell
		req.Qty = held
	case domain.SignalReduce:
		req.Side = domain.OrderSideSell
		req.Qty = roundLots(held*cfg.ReduceFraction, cfg.LotSize)
	default:
		return req, false
	}
	return req, req.Qty > 0
}

func roundLots(qty, lot float64) float64 {
	if lot <= 0 {
		lot = 1
	}
	// Small epsilon keeps exact multiples from flooring one lot short.
	return math.Floor(qty/lot+1e-9) * lot
}

func (r *run) handleOutcome(o engine.Outcome) {
	r.publish(bus.EventOrder, o.Order)
	if o.Fill == nil {
		return
	}
	f := *o.Fill
	r.result.Fills = append(r.result.Fills, f)
	r.publish(bus.EventFill, f)

	if f.Side != domain.OrderSideSell {
		return
	}
	r.result.trades = append(r.result.trades, o.Realized)
	r.roundPL[f.Symbol] += o.Realized
	if r.ledger.PositionQty(f.Symbol) == 0 {
		if rec, ok := r.bt.sizer.(strategy.OutcomeRecorder); ok {
			rec.RecordOutcome(r.roundPL[f.Symbol])
		}
		delete(r.roundPL, f.Symbol)
	}
}

func (r *run) recordEquity(ts time.Time) {
	acct := r.ledger.Account()
	r.result.Ledger = append(r.result.Ledger, EquityPoint{
		Index:          len(r.result.Ledger),
		Timestamp:      ts,
		Cash:           acct.Cash,
		PositionsValue: acct.Equity - acct.Cash,
		Equity:         acct.Equity,
		Positions:      acct.Positions,
	})
}

func (r *run) publish(t bus.EventType, payload any) {
	if err := r.bus.Publish(t, payload, 0); err != nil {
		r.bt.logger.Warn("publish failed", "type", t, "error", err)
	}
}

// subscribeMetrics counts bus traffic into the Prometheus counters.
func (r *run) subscribeMetrics() {
	subs := map[bus.EventType]bus.Handler{
		bus.EventMarket: func(ev bus.Event) {
			if b, ok := ev.Payload.(domain.Bar); ok {
				metrics.BarsTotal.WithLabelValues(b.Symbol).Inc()
			}
		},
		bus.EventSignal: func(ev bus.Event) {
			if s, ok := ev.Payload.(domain.Signal); ok {
				metrics.SignalsTotal.WithLabelValues(s.Symbol, string(s.Kind)).Inc()
			}
		},
		bus.EventOrder: func(ev bus.Event) {
			if o, ok := ev.Payload.(domain.Order); ok {
				metrics.OrdersTotal.WithLabelValues(o.Symbol, string(o.Side), string(o.Status)).Inc()
			}
		},
		bus.EventFill: func(ev bus.Event) {
			if f, ok := ev.Payload.(domain.Fill); ok {
				metrics.FillsTotal.WithLabelValues(f.Symbol, string(f.Side)).Inc()
			}
		},
	}
	for _, t := range []bus.EventType{bus.EventMarket, bus.EventSignal, bus.EventOrder, bus.EventFill} {
		if err := r.bus.Subscribe(t, subs[t]); err != nil {
			r.bt.logger.Warn("subscribe failed", "type", t, "error", err)
		}
	}
}

func unwrapAll(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}
