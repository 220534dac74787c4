package engine

import (
	"context"
	"errors"
	"fmt"

	"quantbt/internal/domain"
)

// DefaultCashBuffer is the fraction of notional kept back for fees when
// checking a buy against available cash.
const DefaultCashBuffer = 0.001

// ErrRiskRejected matches every *RiskError.
var ErrRiskRejected = errors.New("risk rejected")

// RiskError explains why an order failed pre-trade validation.
type RiskError struct {
	OrderID string
	Reason  string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.OrderID, e.Reason)
}

// Is makes errors.Is(err, ErrRiskRejected) true.
func (e *RiskError) Is(target error) bool { return target == ErrRiskRejected }

// RiskManager enforces pre-trade risk rules: cash coverage for buys, no
// shorting, and a cap on any single position's share of equity.
type RiskManager struct {
	maxPositionPct float64
	cashBuffer     float64
}

// NewRiskManager creates a RiskManager with the specified risk thresholds.
//
//   - maxPositionPct: maximum fraction of equity allowed in a single position
//     (e.g. 0.10 for 10%). Zero disables the check.
//   - cashBuffer: extra fraction of notional a buy must be covered by; a
//     negative value selects DefaultCashBuffer.
func NewRiskManager(maxPositionPct, cashBuffer float64) *RiskManager {
	if cashBuffer < 0 {
		cashBuffer = DefaultCashBuffer
	}
	return &RiskManager{
		maxPositionPct: maxPositionPct,
		cashBuffer:     cashBuffer,
	}
}

// CheckOrder evaluates whether the proposed order, priced at refPrice,
// complies with the configured risk limits given the current account state.
// It returns a *RiskError on violation.
func (rm *RiskManager) CheckOrder(_ context.Context, order *domain.Order, refPrice float64, account domain.AccountInfo) error {
	if !(refPrice > 0) {
		return &RiskError{OrderID: order.ID, Reason: fmt.Sprintf("no reference price for %s", order.Symbol)}
	}
	held := account.Positions[order.Symbol]
	notional := order.Qty * refPrice

	switch order.Side {
	case domain.OrderSideBuy:
		need := notional * (1 + rm.cashBuffer)
		if account.Cash < need {
			return &RiskError{OrderID: order.ID, Reason: fmt.Sprintf("insufficient cash: need %.2f, have %.2f", need, account.Cash)}
		}
		if rm.maxPositionPct > 0 {
			limit := account.Equity * rm.maxPositionPct
			if value := (held + order.Qty) * refPrice; value > limit {
				return &RiskError{OrderID: order.ID, Reason: fmt.Sprintf("position value %.2f exceeds limit %.2f", value, limit)}
			}
		}
	case domain.OrderSideSell:
		if held < order.Qty {
			return &RiskError{OrderID: order.ID, Reason: fmt.Sprintf("insufficient position: hold %v, sell %v", held, order.Qty)}
		}
	default:
		return &RiskError{OrderID: order.ID, Reason: fmt.Sprintf("unknown side %q", order.Side)}
	}
	return nil
}
