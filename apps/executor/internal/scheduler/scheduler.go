// Package scheduler drives orders from PENDING to a final state with a
// bounded number of concurrent executions.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/gookit/validate"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/executor"
	"tradeexec/apps/executor/internal/guard"
	"tradeexec/apps/executor/internal/model"
	"tradeexec/apps/executor/internal/orders"
)

// Executor is the part of *executor.Executor the scheduler drives.
type Executor interface {
	HasMethod(name string) bool
	Build(ctx context.Context, signal model.Signal) (*model.Transaction, *execerr.Error)
	Execute(ctx context.Context, tx *model.Transaction, txType, method string) *executor.Result
	Confirm(ctx context.Context, txHash string) (bool, error)
}

// Recorder receives one call per execution attempt.
type Recorder interface {
	Record(order *model.Order, res *executor.Result) model.ExecutionMetric
}

type Config struct {
	MaxConcurrentExecutions int
	ExecutionTimeout        time.Duration
	RetryDelay              time.Duration
}

type Stats struct {
	Pending       int  `json:"pending"`
	Active        int  `json:"active"`
	MaxConcurrent int  `json:"max_concurrent"`
	Running       bool `json:"running"`
	Paused        bool `json:"paused"`
}

type attempt struct {
	order     *model.Order
	cancelled bool
}

type Scheduler struct {
	cfg     Config
	orders  *orders.Manager
	exec    Executor
	metrics Recorder
	guard   guard.Guard
	logger  *zap.Logger

	mu      sync.Mutex
	pending *doublylinkedlist.List // order ids, FIFO
	queued  map[string]bool
	active  map[string]*attempt
	running bool
	paused  bool

	wake      chan struct{}
	work      chan *attempt
	stop      chan struct{}
	stopOnce  sync.Once
	inflight  sync.WaitGroup
	workers   sync.WaitGroup
	retries   sync.WaitGroup
	loopDone  chan struct{}
	startOnce sync.Once
}

// NewScheduler wires the scheduler to its collaborators. g may be nil, in
// which case idempotency keys are only enforced by the order store.
func NewScheduler(cfg Config, manager *orders.Manager, exec Executor, metrics Recorder, g guard.Guard, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		orders:   manager,
		exec:     exec,
		metrics:  metrics,
		guard:    g,
		logger:   logger,
		pending:  doublylinkedlist.New(),
		queued:   make(map[string]bool),
		active:   make(map[string]*attempt),
		wake:     make(chan struct{}, 1),
		work:     make(chan *attempt, cfg.MaxConcurrentExecutions),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	// Orders finalised elsewhere, by the sweep or a cancel, leave the queue.
	manager.OnTerminal(func(o model.Order) {
		s.dropPending(o.OrderID)
	})
	return s
}

// Start launches the dispatcher and the worker pool.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		for i := 0; i < s.cfg.MaxConcurrentExecutions; i++ {
			s.workers.Add(1)
			go s.worker()
		}
		go s.dispatchLoop()
		s.notify()

		s.logger.Info("Scheduler started",
			zap.Int("max_concurrent_executions", s.cfg.MaxConcurrentExecutions),
			zap.Duration("execution_timeout", s.cfg.ExecutionTimeout))
	})
}

// Submit validates signal and queues a new order for it. An invalid signal is
// recorded as a REJECTED order and its id is returned with the validation
// error.
func (s *Scheduler) Submit(ctx context.Context, signal model.Signal) (string, error) {
	order := s.orders.NewOrder(signal)

	if reason := s.validateSignal(signal); reason != "" {
		if err := s.orders.Reject(ctx, order, reason); err != nil {
			return "", err
		}
		return order.OrderID, execerr.New(execerr.KindValidation, "submit", reason)
	}

	if key := signal.IdempotencyKey; key != "" && s.guard != nil {
		claimed, holder, err := s.guard.Claim(ctx, key, order.OrderID)
		if err != nil {
			s.logger.Warn("Idempotency guard unavailable, relying on the order store", zap.Error(err))
		} else if !claimed {
			return holder, execerr.Newf(execerr.KindDuplicateOrder, "submit", "signal %s already submitted as order %s", key, holder)
		}
	}

	if err := s.orders.Register(ctx, order); err != nil {
		holder := execerr.OrderIDOf(err)
		if key := signal.IdempotencyKey; key != "" && s.guard != nil {
			// The claim names an order that was never stored.
			if rerr := s.guard.Release(ctx, key); rerr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(rerr))
			}
			if holder != "" && holder != order.OrderID {
				if _, _, cerr := s.guard.Claim(ctx, key, holder); cerr != nil {
					s.logger.Warn("Failed to restore idempotency key", zap.String("key", key), zap.Error(cerr))
				}
			}
		}
		if execerr.KindOf(err) == execerr.KindDuplicateOrder {
			return holder, err
		}
		return "", err
	}

	s.enqueue(order.OrderID)
	return order.OrderID, nil
}

func (s *Scheduler) validateSignal(signal model.Signal) string {
	v := validate.Struct(&signal)
	if !v.Validate() {
		return v.Errors.One()
	}
	if !signal.Size.IsPositive() {
		return "size must be greater than zero"
	}
	if signal.Priority != "" && !signal.Priority.Valid() {
		return fmt.Sprintf("unknown priority %q", signal.Priority)
	}
	if signal.Method != "" && !s.exec.HasMethod(signal.Method) {
		return fmt.Sprintf("unknown execution method %q", signal.Method)
	}
	return ""
}

// Restore queues orders recovered from the store: PENDING ones directly,
// FAILED or TIMEOUT ones through the retry path.
func (s *Scheduler) Restore(ctx context.Context, recovered []*model.Order) {
	for _, order := range recovered {
		switch {
		case order.Status == model.StatusPending:
			s.enqueue(order.OrderID)
		case order.CanRetry():
			s.requeue(ctx, order.OrderID)
		}
	}
	s.logger.Info("Restored orders", zap.Int("count", len(recovered)))
}

func (s *Scheduler) enqueue(orderID string) {
	s.mu.Lock()
	if !s.queued[orderID] {
		s.pending.Append(orderID)
		s.queued[orderID] = true
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) dropPending(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queued[orderID] {
		return
	}
	if i := s.pending.IndexOf(orderID); i >= 0 {
		s.pending.Remove(i)
	}
	delete(s.queued, orderID)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.dispatch()
		}
	}
}

// dispatch hands pending orders to workers while there is capacity.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if !s.running || s.paused || len(s.active) >= s.cfg.MaxConcurrentExecutions || s.pending.Empty() {
			s.mu.Unlock()
			return
		}
		head, _ := s.pending.Get(0)
		s.pending.Remove(0)
		orderID := head.(string)
		delete(s.queued, orderID)
		att := &attempt{}
		s.active[orderID] = att
		s.inflight.Add(1)
		s.mu.Unlock()

		order, err := s.markExecuting(orderID)
		if err != nil {
			s.logger.Error("Failed to dispatch order", zap.String("order_id", orderID), zap.Error(err))
			if kind := execerr.KindOf(err); kind == execerr.KindPersistence || kind == execerr.KindUnknown {
				// Still PENDING in the manager; try again later.
				s.redispatch(orderID)
			}
			s.release(orderID)
			continue
		}

		att.order = order
		s.work <- att
	}
}

func (s *Scheduler) markExecuting(orderID string) (*model.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusPending {
		return nil, execerr.Newf(execerr.KindInvalidTransition, "dispatch", "order %s is %s, not PENDING", orderID, order.Status)
	}

	order.Status = model.StatusExecuting
	order.ExecutionAttempts++
	order.LastError = ""
	if err := s.orders.Update(ctx, order); err != nil {
		return nil, err
	}

	s.logger.Info("Dispatched order",
		zap.String("order_id", orderID),
		zap.Int("attempt", order.ExecutionAttempts),
		zap.Int("max_attempts", order.MaxAttempts))
	return order, nil
}

func (s *Scheduler) release(orderID string) {
	s.mu.Lock()
	delete(s.active, orderID)
	s.mu.Unlock()
	s.inflight.Done()
	s.notify()
}

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for att := range s.work {
		s.run(att)
	}
}

// run executes one attempt under the execution timeout. On expiry the attempt
// goroutine is abandoned: its context is cancelled so it starts no new
// submission, and whatever it returns later is discarded.
func (s *Scheduler) run(att *attempt) {
	orderID := att.order.OrderID
	defer s.release(orderID)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan *executor.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Execution panicked", zap.String("order_id", orderID), zap.Any("panic", r))
				done <- failedResult(att.order, execerr.Newf(execerr.KindUnknown, "execute", "panic: %v", r))
			}
		}()
		done <- s.execute(ctx, att.order.Clone())
	}()

	var res *executor.Result
	timedOut := false
	select {
	case res = <-done:
	case <-ctx.Done():
		timedOut = true
		res = failedResult(att.order, execerr.Newf(execerr.KindOrderTimeout, "execute",
			"execution exceeded timeout of %s", s.cfg.ExecutionTimeout))
		res.ExecutionTime = s.cfg.ExecutionTimeout
		s.logger.Warn("Execution timed out, abandoning attempt",
			zap.String("order_id", orderID),
			zap.Int("attempt", att.order.ExecutionAttempts))
	}

	s.finish(att, res, timedOut)
}

// execute performs one attempt: it checks whether an earlier submission
// already reached the ledger, builds the transaction, records its hash on the
// order and submits it.
func (s *Scheduler) execute(ctx context.Context, order *model.Order) *executor.Result {
	if order.TxHash != "" && order.ExecutionAttempts > 1 {
		known, err := s.exec.Confirm(ctx, order.TxHash)
		switch {
		case err != nil:
			s.logger.Warn("Could not confirm previous submission, resubmitting",
				zap.String("order_id", order.OrderID),
				zap.String("tx_hash", order.TxHash),
				zap.Error(err))
		case known:
			s.logger.Info("Previous submission found on ledger, skipping resubmission",
				zap.String("order_id", order.OrderID),
				zap.String("tx_hash", order.TxHash))
			return &executor.Result{
				Success:         true,
				ExecutionMethod: order.ExecutionMethod,
				TransactionType: order.Signal.Type(),
				TxHash:          order.TxHash,
			}
		}
	}

	tx, buildErr := s.exec.Build(ctx, order.Signal)
	if buildErr != nil {
		return failedResult(order, buildErr)
	}

	// The hash is durable before anything is sent so a retry can look it up.
	order.TxHash = tx.Hash()
	if err := s.orders.Update(ctx, order); err != nil {
		return failedResult(order, execerr.Wrap(execerr.KindPersistence, "record tx hash", err))
	}

	return s.exec.Execute(ctx, tx, order.Signal.Type(), order.Signal.Method)
}

func failedResult(order *model.Order, err *execerr.Error) *executor.Result {
	return &executor.Result{
		Success:         false,
		Err:             err,
		Error:           err.Error(),
		TransactionType: order.Signal.Type(),
		TxHash:          order.TxHash,
	}
}

// finish writes the outcome of an attempt to the order, records the metric and
// schedules a retry when one is allowed.
func (s *Scheduler) finish(att *attempt, res *executor.Result, timedOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	orderID := att.order.OrderID
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		s.logger.Error("Failed to load order after execution", zap.String("order_id", orderID), zap.Error(err))
		s.metrics.Record(att.order, res)
		return
	}

	s.mu.Lock()
	cancelled := att.cancelled
	s.mu.Unlock()
	if cancelled || order.Status != model.StatusExecuting {
		s.logger.Info("Discarding result of order finalised during execution",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
			zap.Bool("success", res.Success))
		s.metrics.Record(order, res)
		return
	}

	order.ExecutionDuration = res.ExecutionTime
	if res.TxHash != "" {
		order.TxHash = res.TxHash
	}
	if payload, err := json.Marshal(res); err == nil {
		order.Result = payload
	}

	switch {
	case res.Success:
		order.Status = model.StatusCompleted
		order.ExecutionMethod = res.ExecutionMethod
		order.LastError = ""
		if res.Value.Valid {
			order.ValueTransacted = res.Value
		}
		if res.Fees.Valid {
			order.FeesPaid = res.Fees
		}
	case timedOut || (res.Err != nil && res.Err.Kind == execerr.KindOrderTimeout):
		// The executor may notice the deadline before run does.
		order.Status = model.StatusTimeout
		order.LastError = fmt.Sprintf("execution exceeded timeout of %s", s.cfg.ExecutionTimeout)
		order.Retryable = true
	default:
		order.Status = model.StatusFailed
		order.LastError = res.Error
		order.Retryable = res.Err != nil && res.Err.Kind.Retryable()
		if n := len(res.MethodsTried); n > 0 {
			order.ExecutionMethod = res.MethodsTried[n-1]
		}
	}

	if err := s.orders.Update(ctx, order); err != nil {
		s.logger.Error("Failed to record execution outcome",
			zap.String("order_id", orderID),
			zap.String("status", string(order.Status)),
			zap.Error(err))
		s.metrics.Record(order, res)
		return
	}
	s.metrics.Record(order, res)

	s.logger.Info("Execution finished",
		zap.String("order_id", orderID),
		zap.String("status", string(order.Status)),
		zap.Int("attempt", order.ExecutionAttempts),
		zap.Duration("duration", res.ExecutionTime),
		zap.String("method", order.ExecutionMethod),
		zap.String("error", order.LastError))

	if order.CanRetry() {
		s.scheduleRetry(orderID)
	}
}

func (s *Scheduler) scheduleRetry(orderID string) {
	s.retries.Add(1)
	go func() {
		defer s.retries.Done()

		timer := time.NewTimer(s.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
			// Requeue right away so the order is PENDING for the next start.
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.requeue(ctx, orderID)
	}()
}

// redispatch puts a PENDING order that could not be marked EXECUTING back on
// the queue after RetryDelay. On stop it stays PENDING for Restore.
func (s *Scheduler) redispatch(orderID string) {
	s.retries.Add(1)
	go func() {
		defer s.retries.Done()

		timer := time.NewTimer(s.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		order, err := s.orders.Get(ctx, orderID)
		if err != nil || order.Status != model.StatusPending {
			return
		}
		s.enqueue(orderID)
	}()
}

// requeue moves a FAILED or TIMEOUT order back to PENDING at the tail of the
// queue.
func (s *Scheduler) requeue(ctx context.Context, orderID string) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		s.logger.Error("Failed to load order for retry", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if !order.CanRetry() {
		return
	}

	order.Status = model.StatusPending
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger.Error("Failed to requeue order", zap.String("order_id", orderID), zap.Error(err))
		return
	}

	s.logger.Info("Requeued order for retry",
		zap.String("order_id", orderID),
		zap.Int("attempts", order.ExecutionAttempts),
		zap.Int("max_attempts", order.MaxAttempts))
	s.enqueue(orderID)
}

// Cancel cancels a pending or executing order. The result of an executing
// attempt is discarded when it arrives.
func (s *Scheduler) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	s.mu.Lock()
	if att, ok := s.active[orderID]; ok {
		att.cancelled = true
	}
	s.mu.Unlock()

	order, err := s.orders.Cancel(ctx, orderID)
	if err != nil {
		s.mu.Lock()
		if att, ok := s.active[orderID]; ok {
			att.cancelled = false
		}
		s.mu.Unlock()
		return nil, err
	}

	s.dropPending(orderID)
	return order, nil
}

func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("Scheduler paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("Scheduler resumed")
	s.notify()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:       s.pending.Size(),
		Active:        len(s.active),
		MaxConcurrent: s.cfg.MaxConcurrentExecutions,
		Running:       s.running,
		Paused:        s.paused,
	}
}

// Stop stops dispatching and waits for every active execution to finish,
// then stops the workers. Orders waiting for a retry are put back to
// PENDING.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		s.retries.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not drain: %w", ctx.Err())
	}

	if wasRunning {
		<-s.loopDone
		close(s.work)
		s.workers.Wait()
	}

	s.logger.Info("Scheduler stopped")
	return nil
}
