// Package engine coordinates order management, risk checking, execution,
// and position accounting for one simulated account.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"quantbt/internal/broker"
	"quantbt/internal/domain"
	"quantbt/internal/portfolio"
)

// Outcome is the result of pushing one order through the pipeline.
type Outcome struct {
	Order    domain.Order
	Fill     *domain.Fill
	Realized float64
}

// Engine orchestrates the order lifecycle by delegating to a risk manager
// for pre-trade checks, a broker for execution, and the ledger for
// accounting.
type Engine struct {
	broker broker.Broker
	orders *OrderManager
	ledger *portfolio.Ledger
	risk   *RiskManager
	logger *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies. A nil
// risk manager accepts every order.
func NewEngine(
	b broker.Broker,
	orders *OrderManager,
	ledger *portfolio.Ledger,
	risk *RiskManager,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		broker: b,
		orders: orders,
		ledger: ledger,
		risk:   risk,
		logger: logger.With("component", "engine"),
	}
}

// Orders returns the order manager.
func (e *Engine) Orders() *OrderManager { return e.orders }

// Ledger returns the portfolio ledger.
func (e *Engine) Ledger() *portfolio.Ledger { return e.ledger }

// Submit creates an order and runs it through risk, acceptance, and
// execution against bar. A risk failure leaves the order REJECTED and
// returns an error matching ErrRiskRejected together with the outcome.
// DAY orders that cannot fill on bar are cancelled; GTC orders stay
// ACCEPTED for ProcessResting.
func (e *Engine) Submit(ctx context.Context, req OrderRequest, bar domain.Bar) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	order, err := e.orders.Create(req)
	if err != nil {
		return Outcome{}, err
	}

	if e.risk != nil {
		if rerr := e.risk.CheckOrder(ctx, &order, e.checkPrice(order, bar), e.ledger.Account()); rerr != nil {
			var riskErr *RiskError
			reason := rerr.Error()
			if errors.As(rerr, &riskErr) {
				reason = riskErr.Reason
			}
			rejected, err := e.orders.Reject(order.ID, reason)
			if err != nil {
				return Outcome{Order: order}, err
			}
			e.logger.Warn("order rejected", "order_id", order.ID, "symbol", order.Symbol, "side", order.Side, "qty", order.Qty, "reason", reason)
			return Outcome{Order: rejected}, rerr
		}
	}

	accepted, err := e.orders.Accept(order.ID)
	if err != nil {
		return Outcome{Order: order}, err
	}
	return e.execute(ctx, accepted, bar)
}

// ProcessResting retries every working order on bar.Symbol against bar.
// Each order is re-checked against the current account before it fills.
func (e *Engine) ProcessResting(ctx context.Context, bar domain.Bar) ([]Outcome, error) {
	var (
		out  []Outcome
		errs []error
	)
	for _, o := range e.orders.Working(bar.Symbol) {
		if e.risk != nil {
			if err := e.risk.CheckOrder(ctx, &o, e.checkPrice(o, bar), e.ledger.Account()); err != nil {
				cancelled, cerr := e.orders.CancelWithReason(o.ID, err.Error())
				if cerr != nil {
					errs = append(errs, cerr)
					continue
				}
				out = append(out, Outcome{Order: cancelled})
				continue
			}
		}
		res, err := e.execute(ctx, o, bar)
		if err != nil {
			errs = append(errs, err)
		}
		if res.Fill != nil {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}

// checkPrice is the per-share price an order is risk-checked at. For buys it
// is the expected fill price including commission, so an accepted buy never
// spends more cash than the check allowed for.
func (e *Engine) checkPrice(order domain.Order, bar domain.Bar) float64 {
	ref := bar.Close
	if order.Type == domain.OrderTypeLimit {
		ref = order.Price
	}
	q, ok := e.broker.(broker.Quoter)
	if !ok {
		return ref
	}
	if order.Type == domain.OrderTypeMarket {
		ref = q.FillPrice(ref)
	}
	if order.Side == domain.OrderSideBuy {
		ref *= 1 + q.CommissionRate()
	}
	return ref
}

func (e *Engine) execute(ctx context.Context, order domain.Order, bar domain.Bar) (Outcome, error) {
	fill, err := e.broker.Execute(ctx, &order, bar)
	if err != nil {
		cancelled, cerr := e.orders.CancelWithReason(order.ID, err.Error())
		return Outcome{Order: cancelled}, errors.Join(fmt.Errorf("executing order %s: %w", order.ID, err), cerr)
	}
	if fill == nil {
		if order.TimeInForce == domain.TimeInForceGTC {
			return Outcome{Order: order}, nil
		}
		cancelled, err := e.orders.CancelWithReason(order.ID, "not filled")
		return Outcome{Order: cancelled}, err
	}

	realized, err := e.ledger.ApplyFill(*fill)
	if err != nil {
		cancelled, cerr := e.orders.CancelWithReason(order.ID, err.Error())
		return Outcome{Order: cancelled}, errors.Join(err, cerr)
	}
	filled, err := e.orders.MarkFilled(*fill)
	if err != nil {
		return Outcome{Order: order, Fill: fill, Realized: realized}, err
	}
	e.logger.Debug("order filled", "order_id", order.ID, "symbol", fill.Symbol, "side", fill.Side, "qty", fill.Qty, "price", fill.Price)
	return Outcome{Order: filled, Fill: fill, Realized: realized}, nil
}

// Rebalance moves holdings toward targets with market orders priced at each
// symbol's last known price. The result has one entry per target.
func (e *Engine) Rebalance(ctx context.Context, strategyID string, targets []portfolio.TargetWeight, bars map[string]domain.Bar) ([]bool, []Outcome) {
	var outcomes []Outcome
	results := e.ledger.Rebalance(targets, func(symbol string, side domain.OrderSide, qty, price float64) bool {
		bar, ok := bars[symbol]
		if !ok {
			bar = domain.Bar{Symbol: symbol, Open: price, High: price, Low: price, Close: price}
		}
		res, err := e.Submit(ctx, OrderRequest{
			StrategyID:  strategyID,
			Symbol:      symbol,
			Side:        side,
			Type:        domain.OrderTypeMarket,
			Qty:         qty,
			TimeInForce: domain.TimeInForceDay,
		}, bar)
		if res.Order.ID != "" {
			outcomes = append(outcomes, res)
		}
		if err != nil {
			e.logger.Warn("rebalance order failed", "symbol", symbol, "error", err)
			return false
		}
		return res.Fill != nil
	})
	return results, outcomes
}
