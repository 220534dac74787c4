package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantbt/internal/domain"
	"quantbt/internal/store"
)

var (
	// ErrInvalidOrder is returned by Create for a non-positive quantity or a
	// LIMIT order without a price.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrOrderNotFound is returned for an unknown order ID.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid order transition")
	// ErrNotModifiable is returned by Modify once an order has left
	// PENDING/ACCEPTED.
	ErrNotModifiable = errors.New("order not modifiable")
)

// InvalidTransitionError reports a status change outside the legal table.
// The order's status is left unchanged.
type InvalidTransitionError struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// transitions is the legal edge table of the order lifecycle.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:         {domain.OrderStatusAccepted, domain.OrderStatusRejected},
	domain.OrderStatusAccepted:        {domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled, domain.OrderStatusCancelled},
	domain.OrderStatusPartiallyFilled: {domain.OrderStatusFilled, domain.OrderStatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to domain.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrderManagerConfig configures NewOrderManager.
type OrderManagerConfig struct {
	// RunID seeds deterministic order IDs.
	RunID string
	// Store receives batched writes on Flush. Nil disables persistence.
	Store store.OrderStore
	// Now stamps CreatedAt/UpdatedAt. Backtests pass the virtual clock.
	Now    func() time.Time
	Logger *slog.Logger
}

// OrderManager owns order state and enforces the lifecycle table. Status
// mutations are serialized by mu; persistence work is queued under the
// narrower qmu and written in batches by Flush.
type OrderManager struct {
	runID  string
	store  store.OrderStore
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*domain.Order
	seq    []string // IDs in creation order

	qmu     sync.Mutex
	created []domain.Order
	updates []store.StatusUpdate
}

// NewOrderManager creates an empty OrderManager.
func NewOrderManager(cfg OrderManagerConfig) *OrderManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &OrderManager{
		runID:  cfg.RunID,
		store:  cfg.Store,
		now:    now,
		logger: logger.With("component", "orders"),
		orders: make(map[string]*domain.Order),
	}
}

// OrderRequest describes an order to create.
type OrderRequest struct {
	StrategyID  string
	Symbol      string
	Side        domain.OrderSide
	Type        domain.OrderType
	Qty         float64
	Price       float64
	TimeInForce domain.TimeInForce
}

// Create validates req and registers a new PENDING order.
func (m *OrderManager) Create(req OrderRequest) (domain.Order, error) {
	if !(req.Qty > 0) {
		return domain.Order{}, fmt.Errorf("%w: quantity %v must be positive", ErrInvalidOrder, req.Qty)
	}
	if req.Type == "" {
		req.Type = domain.OrderTypeMarket
	}
	if req.Type == domain.OrderTypeLimit && !(req.Price > 0) {
		return domain.Order{}, fmt.Errorf("%w: limit order requires a price", ErrInvalidOrder)
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return domain.Order{}, fmt.Errorf("%w: side %q", ErrInvalidOrder, req.Side)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = domain.TimeInForceDay
	}

	m.mu.Lock()
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("quantbt:"+m.runID+":"+strconv.Itoa(len(m.seq)))).String()
	ts := m.now()
	o := &domain.Order{
		ID:          id,
		StrategyID:  req.StrategyID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		Price:       req.Price,
		Status:      domain.OrderStatusPending,
		TimeInForce: req.TimeInForce,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	m.orders[id] = o
	m.seq = append(m.seq, id)
	snapshot := *o
	m.mu.Unlock()

	m.qmu.Lock()
	m.created = append(m.created, snapshot)
	m.qmu.Unlock()
	return snapshot, nil
}

// UpdateStatus moves an order to status to.
func (m *OrderManager) UpdateStatus(id string, to domain.OrderStatus) (domain.Order, error) {
	return m.transition(id, to, nil)
}

// Accept moves a PENDING order to ACCEPTED.
func (m *OrderManager) Accept(id string) (domain.Order, error) {
	return m.transition(id, domain.OrderStatusAccepted, nil)
}

// Reject moves a PENDING order to REJECTED with reason.
func (m *OrderManager) Reject(id, reason string) (domain.Order, error) {
	return m.transition(id, domain.OrderStatusRejected, func(o *domain.Order) {
		o.RejectReason = reason
	})
}

// Cancel moves an ACCEPTED or PARTIALLY_FILLED order to CANCELLED.
func (m *OrderManager) Cancel(id string) (domain.Order, error) {
	return m.transition(id, domain.OrderStatusCancelled, nil)
}

// CancelWithReason cancels id and records why.
func (m *OrderManager) CancelWithReason(id, reason string) (domain.Order, error) {
	return m.transition(id, domain.OrderStatusCancelled, func(o *domain.Order) {
		o.RejectReason = reason
	})
}

// MarkFilled records f as the complete execution of its order.
func (m *OrderManager) MarkFilled(f domain.Fill) (domain.Order, error) {
	return m.transition(f.OrderID, domain.OrderStatusFilled, func(o *domain.Order) {
		o.FilledQty = f.Qty
		o.FilledAvgPrice = f.Price
	})
}

func (m *OrderManager) transition(id string, to domain.OrderStatus, mutate func(*domain.Order)) (domain.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if !CanTransition(o.Status, to) {
		err := &InvalidTransitionError{OrderID: id, From: o.Status, To: to}
		snapshot := *o
		m.mu.Unlock()
		m.logger.Error("rejected order transition", "order_id", id, "from", err.From, "to", to)
		return snapshot, err
	}
	o.Status = to
	if mutate != nil {
		mutate(o)
	}
	o.UpdatedAt = m.now()
	snapshot := *o
	m.mu.Unlock()

	m.enqueue(snapshot)
	return snapshot, nil
}

// Modify changes quantity and/or price of a PENDING or ACCEPTED order. Nil
// arguments are left unchanged.
func (m *OrderManager) Modify(id string, qty, price *float64) (domain.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.Status != domain.OrderStatusPending && o.Status != domain.OrderStatusAccepted {
		status := o.Status
		m.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: %s is %s", ErrNotModifiable, id, status)
	}
	if qty != nil && !(*qty > 0) {
		m.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: quantity %v must be positive", ErrInvalidOrder, *qty)
	}
	if price != nil && o.Type == domain.OrderTypeLimit && !(*price > 0) {
		m.mu.Unlock()
		return domain.Order{}, fmt.Errorf("%w: limit order requires a price", ErrInvalidOrder)
	}
	if qty != nil {
		o.Qty = *qty
	}
	if price != nil {
		o.Price = *price
	}
	o.UpdatedAt = m.now()
	snapshot := *o
	m.mu.Unlock()

	// Quantity and price are not part of a status update; re-save the row.
	m.qmu.Lock()
	m.created = append(m.created, snapshot)
	m.qmu.Unlock()
	return snapshot, nil
}

func (m *OrderManager) enqueue(o domain.Order) {
	m.qmu.Lock()
	m.updates = append(m.updates, store.StatusUpdate{
		OrderID:        o.ID,
		Status:         o.Status,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		RejectReason:   o.RejectReason,
		UpdatedAt:      o.UpdatedAt,
	})
	m.qmu.Unlock()
}

// Get returns a copy of the order with the given ID.
func (m *OrderManager) Get(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// Orders returns copies of all orders in creation order.
func (m *OrderManager) Orders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, len(m.seq))
	for i, id := range m.seq {
		out[i] = *m.orders[id]
	}
	return out
}

// Working returns ACCEPTED and PARTIALLY_FILLED orders for symbol in
// creation order.
func (m *OrderManager) Working(symbol string) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, id := range m.seq {
		o := m.orders[id]
		if o.Symbol != symbol {
			continue
		}
		if o.Status == domain.OrderStatusAccepted || o.Status == domain.OrderStatusPartiallyFilled {
			out = append(out, *o)
		}
	}
	return out
}

// Pending returns the number of queued persistence writes.
func (m *OrderManager) Pending() int {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	return len(m.created) + len(m.updates)
}

// Flush drains queued writes to the store: new orders first, then one
// status batch. Storage failures are logged and dropped; the in-memory state
// stays authoritative. The returned error joins every failure.
func (m *OrderManager) Flush(ctx context.Context) error {
	m.qmu.Lock()
	created, updates := m.created, m.updates
	m.created, m.updates = nil, nil
	m.qmu.Unlock()

	if len(created) == 0 && len(updates) == 0 {
		return nil
	}
	if m.store == nil {
		return nil
	}

	var errs []error
	for i := range created {
		if _, err := m.store.SaveOrder(ctx, &created[i]); err != nil {
			m.logger.Warn("dropping order save", "order_id", created[i].ID, "error", err)
			errs = append(errs, err)
		}
	}
	if len(updates) > 0 {
		if err := m.store.BatchUpdateStatus(ctx, updates); err != nil {
			m.logger.Warn("dropping status batch", "updates", len(updates), "error", err)
			errs = append(errs, err)
		}
	}
	m.logger.Debug("flushed orders", "created", len(created), "updates", len(updates), "failures", len(errs))
	return errors.Join(errs...)
}

// RunFlusher flushes every interval until ctx is done, then flushes once
// more.
func (m *OrderManager) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.WithoutCancel(ctx)) //nolint:errcheck
			return
		case <-ticker.C:
			m.Flush(ctx) //nolint:errcheck
		}
	}
}
