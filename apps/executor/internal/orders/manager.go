// Package orders owns the lifecycle of every order: registration, state
// transitions, the timeout sweep and summary statistics. Every mutation is
// committed to the store before it becomes visible in memory.
package orders

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

// Store is the durable order log. *repository.OrderRepository implements it.
type Store interface {
	CreateOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]*model.Order, error)
	ListRecentOrders(ctx context.Context, limit int) ([]*model.Order, error)
	ListActiveOrders(ctx context.Context) ([]*model.Order, error)
	OrderStats(ctx context.Context) (model.OrderStats, error)
}

type Config struct {
	MaxAttempts   int
	OrderTimeout  time.Duration
	SweepInterval time.Duration
}

const lockStripes = 64

type Manager struct {
	store  Store
	cfg    Config
	logger *zap.Logger

	// Writes for one order id are serialized on its stripe.
	locks [lockStripes]sync.Mutex

	mu                sync.RWMutex
	active            map[string]*model.Order
	stats             model.OrderStats
	completedDuration time.Duration
	subscribers       []func(model.Order)
}

func NewManager(store Store, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = model.DefaultMaxAttempts
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*model.Order),
		stats:  model.OrderStats{TotalValue: decimal.Zero, TotalFees: decimal.Zero},
	}
}

// NewOrder creates a PENDING order for signal with a fresh id.
func (m *Manager) NewOrder(signal model.Signal) *model.Order {
	now := time.Now().UTC()
	priority := signal.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	return &model.Order{
		OrderID:        uuid.New().String(),
		Signal:         signal.Clone(),
		Status:         model.StatusPending,
		Priority:       priority,
		MaxAttempts:    m.cfg.MaxAttempts,
		Retryable:      true,
		IdempotencyKey: signal.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (m *Manager) lock(orderID string) func() {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	l := &m.locks[h.Sum32()%lockStripes]
	l.Lock()
	return l.Unlock
}

// OnTerminal registers fn to be called, after persistence, whenever an order
// becomes final.
func (m *Manager) OnTerminal(fn func(model.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) notify(order *model.Order) {
	m.mu.RLock()
	subscribers := append([]func(model.Order){}, m.subscribers...)
	m.mu.RUnlock()

	for _, fn := range subscribers {
		fn(*order.Clone())
	}
}

// Register persists a new PENDING order and adds it to the active set.
func (m *Manager) Register(ctx context.Context, order *model.Order) error {
	if order.Status == "" {
		order.Status = model.StatusPending
	}
	if order.Status != model.StatusPending {
		return execerr.Newf(execerr.KindInvalidTransition, "register order",
			"new order %s must be PENDING, got %s", order.OrderID, order.Status)
	}
	if order.MaxAttempts <= 0 {
		order.MaxAttempts = m.cfg.MaxAttempts
	}

	unlock := m.lock(order.OrderID)
	defer unlock()

	m.mu.RLock()
	_, exists := m.active[order.OrderID]
	m.mu.RUnlock()
	if exists {
		dup := execerr.Newf(execerr.KindDuplicateOrder, "register order", "order %s already exists", order.OrderID)
		dup.OrderID = order.OrderID
		return dup
	}

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	stored := order.Clone()
	if err := m.store.CreateOrder(ctx, stored); err != nil {
		return persistenceError("register order", err)
	}

	m.mu.Lock()
	m.active[order.OrderID] = stored
	m.mu.Unlock()

	m.logger.Info("Registered order",
		zap.String("order_id", order.OrderID),
		zap.String("market", order.Signal.Market),
		zap.String("action", order.Signal.Action),
		zap.String("priority", string(order.Priority)))
	return nil
}

// Reject persists order directly as REJECTED. No attempt is consumed and the
// idempotency key stays free for a corrected resubmission.
func (m *Manager) Reject(ctx context.Context, order *model.Order, reason string) error {
	unlock := m.lock(order.OrderID)
	defer unlock()

	now := time.Now().UTC()
	order.Status = model.StatusRejected
	order.ExecutionAttempts = 0
	order.Retryable = false
	order.LastError = reason
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.CompletedAt = &now

	// A rejected signal does not use up its idempotency key.
	order.IdempotencyKey = ""
	stored := order.Clone()
	if err := m.store.CreateOrder(ctx, stored); err != nil {
		return persistenceError("reject order", err)
	}

	m.mu.Lock()
	m.recordFinalLocked(stored)
	m.mu.Unlock()

	m.logger.Warn("Rejected order",
		zap.String("order_id", order.OrderID),
		zap.String("reason", reason))
	m.notify(stored)
	return nil
}

// Update validates the transition from the stored status to order.Status and
// persists the full order. A final order leaves the active set.
func (m *Manager) Update(ctx context.Context, order *model.Order) error {
	unlock := m.lock(order.OrderID)
	final, err := m.updateLocked(ctx, order)
	unlock()
	if err != nil {
		return err
	}

	if final {
		m.notify(order)
	}
	return nil
}

func (m *Manager) updateLocked(ctx context.Context, order *model.Order) (bool, error) {
	current, err := m.current(ctx, order.OrderID)
	if err != nil {
		return false, err
	}
	if err := checkTransition(current, order); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	order.UpdatedAt = now
	if order.Status.IsTerminal() && order.CompletedAt == nil {
		order.CompletedAt = &now
	}
	if order.Status == model.StatusPending {
		order.CompletedAt = nil
	}

	stored := order.Clone()
	if err := m.store.UpdateOrder(ctx, stored); err != nil {
		return false, persistenceError("update order", err)
	}

	final := stored.IsFinal()
	m.mu.Lock()
	if final {
		delete(m.active, stored.OrderID)
		m.recordFinalLocked(stored)
	} else {
		m.active[stored.OrderID] = stored
	}
	m.mu.Unlock()

	m.logger.Debug("Updated order",
		zap.String("order_id", stored.OrderID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(stored.Status)),
		zap.Int("execution_attempts", stored.ExecutionAttempts))
	return final, nil
}

// current returns the authoritative state of an order, preferring the active
// set over the store.
func (m *Manager) current(ctx context.Context, orderID string) (*model.Order, error) {
	m.mu.RLock()
	order, ok := m.active[orderID]
	m.mu.RUnlock()
	if ok {
		return order.Clone(), nil
	}

	order, err := m.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, persistenceError("get order", err)
	}
	if order == nil {
		return nil, execerr.Newf(execerr.KindNotFound, "get order", "order %s not found", orderID)
	}
	return order, nil
}

func (m *Manager) recordFinalLocked(order *model.Order) {
	switch order.Status {
	case model.StatusCompleted:
		m.stats.Completed++
		m.completedDuration += order.ExecutionDuration
		m.stats.AvgExecutionTime = m.completedDuration / time.Duration(m.stats.Completed)
		if order.ValueTransacted.Valid {
			m.stats.TotalValue = m.stats.TotalValue.Add(order.ValueTransacted.Decimal)
		}
		if order.FeesPaid.Valid {
			m.stats.TotalFees = m.stats.TotalFees.Add(order.FeesPaid.Decimal)
		}
	case model.StatusFailed:
		m.stats.Failed++
	case model.StatusCancelled:
		m.stats.Cancelled++
	case model.StatusTimeout:
		m.stats.TimedOut++
	case model.StatusRejected:
		m.stats.Rejected++
	}
}

func (m *Manager) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return m.current(ctx, orderID)
}

func (m *Manager) ListByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]*model.Order, error) {
	if !status.Valid() {
		return nil, execerr.Newf(execerr.KindValidation, "list orders", "unknown status %q", status)
	}
	orders, err := m.store.ListOrdersByStatus(ctx, status, limit)
	if err != nil {
		return nil, persistenceError("list orders", err)
	}
	return orders, nil
}

func (m *Manager) ListRecent(ctx context.Context, limit int) ([]*model.Order, error) {
	orders, err := m.store.ListRecentOrders(ctx, limit)
	if err != nil {
		return nil, persistenceError("list orders", err)
	}
	return orders, nil
}

// Cancel moves a PENDING or EXECUTING order to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	unlock := m.lock(orderID)
	order, err := m.current(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if order.Status != model.StatusPending && order.Status != model.StatusExecuting {
		unlock()
		return nil, execerr.Newf(execerr.KindInvalidTransition, "cancel order",
			"order %s is %s and cannot be cancelled", orderID, order.Status)
	}

	order.Status = model.StatusCancelled
	order.Retryable = false
	order.LastError = "cancelled by operator"
	_, err = m.updateLocked(ctx, order)
	unlock()
	if err != nil {
		return nil, err
	}

	m.logger.Info("Cancelled order", zap.String("order_id", orderID))
	m.notify(order)
	return order.Clone(), nil
}

// Active returns a snapshot of the active set, oldest first.
func (m *Manager) Active() []*model.Order {
	m.mu.RLock()
	orders := make([]*model.Order, 0, len(m.active))
	for _, o := range m.active {
		orders = append(orders, o.Clone())
	}
	m.mu.RUnlock()

	sortByCreation(orders)
	return orders
}

func (m *Manager) Stats() model.OrderStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	stats.Active = len(m.active)
	return stats
}

// Load rebuilds the active set and statistics from the store. Orders found
// EXECUTING were interrupted mid-attempt and are moved to TIMEOUT so that the
// retry path, which checks the ledger before resubmitting, handles them. It
// returns the orders that still need scheduling, oldest first.
func (m *Manager) Load(ctx context.Context) ([]*model.Order, error) {
	stats, err := m.store.OrderStats(ctx)
	if err != nil {
		return nil, persistenceError("load orders", err)
	}

	stored, err := m.store.ListActiveOrders(ctx)
	if err != nil {
		return nil, persistenceError("load orders", err)
	}

	m.mu.Lock()
	m.stats = stats
	m.stats.Active = 0
	m.completedDuration = stats.AvgExecutionTime * time.Duration(stats.Completed)
	m.mu.Unlock()

	var pending []*model.Order
	for _, order := range stored {
		if order.Status == model.StatusExecuting {
			interrupted := order.Clone()
			interrupted.Status = model.StatusTimeout
			interrupted.LastError = "execution interrupted by restart"
			interrupted.Retryable = true
			m.mu.Lock()
			m.active[order.OrderID] = order
			m.mu.Unlock()

			if err := m.Update(ctx, interrupted); err != nil {
				return nil, err
			}
			if interrupted.IsFinal() {
				continue
			}
			order = interrupted
		}

		m.mu.Lock()
		m.active[order.OrderID] = order.Clone()
		m.mu.Unlock()
		pending = append(pending, order)
	}

	sortByCreation(pending)
	m.logger.Info("Loaded orders",
		zap.Int("active", len(pending)),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed))
	return pending, nil
}

// Run sweeps the active set every sweep interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Order timeout sweep stopped")
			return
		case <-ticker.C:
			if n := m.Sweep(ctx, time.Now()); n > 0 {
				m.logger.Warn("Timed out stale orders", zap.Int("count", n))
			}
		}
	}
}

// Sweep moves every PENDING or EXECUTING order created more than the order
// timeout before now to TIMEOUT. Timed out orders are not retried. It returns
// the number of orders swept.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	var stale []string
	m.mu.RLock()
	for id, o := range m.active {
		if (o.Status == model.StatusPending || o.Status == model.StatusExecuting) && now.Sub(o.CreatedAt) > m.cfg.OrderTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	swept := 0
	for _, id := range stale {
		unlock := m.lock(id)
		order, err := m.current(ctx, id)
		if err != nil || (order.Status != model.StatusPending && order.Status != model.StatusExecuting) {
			unlock()
			continue
		}

		order.Status = model.StatusTimeout
		order.Retryable = false
		order.LastError = fmt.Sprintf("order exceeded timeout of %s without reaching a terminal state", m.cfg.OrderTimeout)
		_, err = m.updateLocked(ctx, order)
		unlock()
		if err != nil {
			m.logger.Error("Failed to time out order", zap.String("order_id", id), zap.Error(err))
			continue
		}

		swept++
		m.notify(order)
	}
	return swept
}

func sortByCreation(orders []*model.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].OrderID < orders[j].OrderID
	})
}

// persistenceError keeps store errors that already carry a kind, such as a
// duplicate id, and classifies the rest as persistence failures.
func persistenceError(op string, err error) error {
	if execerr.KindOf(err) != execerr.KindUnknown {
		return err
	}
	return execerr.Wrap(execerr.KindPersistence, op, err)
}
