package scheduler_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/builder"
	"tradeexec/apps/executor/internal/config"
	"tradeexec/apps/executor/internal/endpoint"
	"tradeexec/apps/executor/internal/endpoint/endpointtest"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/executor"
	"tradeexec/apps/executor/internal/guard"
	"tradeexec/apps/executor/internal/metrics"
	"tradeexec/apps/executor/internal/model"
	"tradeexec/apps/executor/internal/orders"
	"tradeexec/apps/executor/internal/repository"
	"tradeexec/apps/executor/internal/scheduler"
)

// countingRecorder counts metrics per order on top of the real recorder.
type countingRecorder struct {
	*metrics.Recorder
	mu      sync.Mutex
	byOrder map[string]int
}

func (r *countingRecorder) Record(order *model.Order, res *executor.Result) model.ExecutionMetric {
	r.mu.Lock()
	r.byOrder[order.OrderID]++
	r.mu.Unlock()
	return r.Recorder.Record(order, res)
}

func (r *countingRecorder) count(orderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byOrder[orderID]
}

// flakyStore fails the first n writes that move an order to EXECUTING.
type flakyStore struct {
	orders.Store
	mu    sync.Mutex
	fails int
}

func (s *flakyStore) UpdateOrder(ctx context.Context, order *model.Order) error {
	s.mu.Lock()
	if order.Status == model.StatusExecuting && s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return fmt.Errorf("database is locked")
	}
	s.mu.Unlock()
	return s.Store.UpdateOrder(ctx, order)
}

type fixture struct {
	cluster   *endpointtest.Cluster
	node      *endpointtest.Node
	orders    *orders.Manager
	recorder  *countingRecorder
	scheduler *scheduler.Scheduler
}

type options struct {
	maxConcurrent    int
	maxAttempts      int
	executionTimeout time.Duration
	guard            guard.Guard
	wrapStore        func(orders.Store) orders.Store
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	if opts.maxConcurrent == 0 {
		opts.maxConcurrent = 2
	}
	if opts.maxAttempts == 0 {
		opts.maxAttempts = 3
	}
	if opts.executionTimeout == 0 {
		opts.executionTimeout = 5 * time.Second
	}

	ctx := context.Background()
	db, err := repository.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.InitMigration(ctx, db))

	cluster := endpointtest.NewCluster("node", "builder")
	t.Cleanup(cluster.Close)

	pool := endpoint.NewManager(cluster.Endpoints("node"), endpoint.Config{
		CircuitBreakerThreshold: 1000,
		RecoveryInterval:        time.Minute,
	}, cluster.Dial, zap.NewNop())
	t.Cleanup(pool.Close)

	b, err := builder.NewRPCBuilder(ctx, cluster.Endpoints("builder")[0], "builder_buildTransaction", cluster.Dial, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	exec := executor.NewExecutor(executor.Config{
		PreferredMethod: config.MethodDirect,
		FallbackMethods: []string{config.MethodBundle},
		MaxRetries:      0,
		RetryDelay:      10 * time.Millisecond,
		StatusMethod:    "eth_getTransactionByHash",
	}, config.DefaultMethods(), pool, b, zap.NewNop())

	var store orders.Store = repository.NewOrderRepository(db, zap.NewNop())
	if opts.wrapStore != nil {
		store = opts.wrapStore(store)
	}
	manager := orders.NewManager(store, orders.Config{
		MaxAttempts:   opts.maxAttempts,
		OrderTimeout:  time.Minute,
		SweepInterval: time.Hour,
	}, zap.NewNop())

	recorder := &countingRecorder{
		Recorder: metrics.NewRecorder(metrics.Config{}, nil, nil, zap.NewNop()),
		byOrder:  make(map[string]int),
	}

	s := scheduler.NewScheduler(scheduler.Config{
		MaxConcurrentExecutions: opts.maxConcurrent,
		ExecutionTimeout:        opts.executionTimeout,
		RetryDelay:              20 * time.Millisecond,
	}, manager, exec, recorder, opts.guard, zap.NewNop())
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	})

	return &fixture{
		cluster:   cluster,
		node:      cluster.Node("node"),
		orders:    manager,
		recorder:  recorder,
		scheduler: s,
	}
}

func signal(market string) model.Signal {
	return model.Signal{Action: "buy", Market: market, Size: decimal.NewFromInt(1)}
}

func (f *fixture) status(t *testing.T, orderID string) model.OrderStatus {
	order, err := f.orders.Get(context.Background(), orderID)
	require.NoError(t, err)
	return order.Status
}

func (f *fixture) waitFinal(t *testing.T, orderID string) *model.Order {
	t.Helper()
	var order *model.Order
	require.Eventually(t, func() bool {
		o, err := f.orders.Get(context.Background(), orderID)
		if err != nil {
			return false
		}
		order = o
		return o.IsFinal()
	}, 5*time.Second, 10*time.Millisecond)
	return order
}

func TestConcurrencyLimitHoldsBackThirdOrder(t *testing.T) {
	f := newFixture(t, options{maxConcurrent: 2})
	f.node.SetDelay(300 * time.Millisecond)
	f.scheduler.Start()

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.scheduler.Submit(ctx, signal(fmt.Sprintf("MKT-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		return f.status(t, ids[0]) == model.StatusExecuting && f.status(t, ids[1]) == model.StatusExecuting
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StatusPending, f.status(t, ids[2]))

	violations := 0
	require.Eventually(t, func() bool {
		third := f.status(t, ids[2])
		first, second := f.status(t, ids[0]), f.status(t, ids[1])
		if third != model.StatusPending && !first.IsTerminal() && !second.IsTerminal() {
			violations++
		}
		if f.scheduler.Stats().Active > 2 {
			violations++
		}
		return third.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, violations)

	for _, id := range ids {
		order := f.waitFinal(t, id)
		assert.Equal(t, model.StatusCompleted, order.Status)
		assert.Equal(t, 1, order.ExecutionAttempts)
		assert.NotEmpty(t, order.TxHash)
		assert.Equal(t, config.MethodDirect, order.ExecutionMethod)
	}
}

func TestNeverExceedsMaxConcurrentExecutions(t *testing.T) {
	f := newFixture(t, options{maxConcurrent: 3})
	f.node.SetDelay(30 * time.Millisecond)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 10; i++ {
		id, err := f.scheduler.Submit(ctx, signal(fmt.Sprintf("MKT-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, 10, f.scheduler.Stats().Pending)

	f.scheduler.Start()

	peak := 0
	require.Eventually(t, func() bool {
		executing := 0
		for _, o := range f.orders.Active() {
			if o.Status == model.StatusExecuting {
				executing++
			}
		}
		if executing > peak {
			peak = executing
		}
		return f.orders.Stats().Completed == 10
	}, 10*time.Second, 2*time.Millisecond)

	assert.LessOrEqual(t, peak, 3)
	assert.Equal(t, 0, f.scheduler.Stats().Active)
}

func TestFailingOrderStopsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, options{maxAttempts: 3})
	f.node.SetFailing(true)
	f.scheduler.Start()

	id, err := f.scheduler.Submit(context.Background(), signal("ETH-USDC"))
	require.NoError(t, err)

	order := f.waitFinal(t, id)
	assert.Equal(t, model.StatusFailed, order.Status)
	assert.Equal(t, 3, order.ExecutionAttempts)
	assert.Contains(t, order.LastError, "passes over")
	assert.Equal(t, 3, f.node.Calls("eth_sendRawTransaction"))

	require.Eventually(t, func() bool { return f.recorder.count(id) == 3 }, time.Second, 5*time.Millisecond)
	// No further attempt once the order is final.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, f.recorder.count(id))
	assert.Equal(t, int64(3), f.recorder.Summary().Totals.Failures)
}

func TestInvalidSignalIsRejectedWithoutCalls(t *testing.T) {
	f := newFixture(t, options{})
	f.scheduler.Start()

	sig := signal("")
	id, err := f.scheduler.Submit(context.Background(), sig)
	require.Error(t, err)
	assert.ErrorIs(t, err, execerr.ErrValidation)
	require.NotEmpty(t, id)

	order, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, order.Status)
	assert.Zero(t, order.ExecutionAttempts)
	assert.NotEmpty(t, order.LastError)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.node.TotalCalls())
	assert.Zero(t, f.cluster.Node("builder").TotalCalls())
	assert.Equal(t, int64(1), f.orders.Stats().Rejected)
}

func TestSubmitValidatesSizeAndMethod(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	zero := signal("ETH-USDC")
	zero.Size = decimal.Zero
	_, err := f.scheduler.Submit(ctx, zero)
	assert.ErrorIs(t, err, execerr.ErrValidation)

	unknown := signal("ETH-USDC")
	unknown.Method = "carrier-pigeon"
	_, err = f.scheduler.Submit(ctx, unknown)
	assert.ErrorIs(t, err, execerr.ErrValidation)

	badPriority := signal("ETH-USDC")
	badPriority.Priority = "WHENEVER"
	_, err = f.scheduler.Submit(ctx, badPriority)
	assert.ErrorIs(t, err, execerr.ErrValidation)

	assert.Equal(t, 0, f.scheduler.Stats().Pending)
}

func TestDispatchRetriesAfterStoreFailure(t *testing.T) {
	flaky := &flakyStore{fails: 2}
	f := newFixture(t, options{wrapStore: func(store orders.Store) orders.Store {
		flaky.Store = store
		return flaky
	}})
	f.scheduler.Start()

	id, err := f.scheduler.Submit(context.Background(), signal("ETH-USDC"))
	require.NoError(t, err)

	order := f.waitFinal(t, id)
	assert.Equal(t, model.StatusCompleted, order.Status)
	assert.Equal(t, 1, order.ExecutionAttempts)
	assert.Equal(t, 1, f.recorder.count(id))
}

func TestBuildFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, options{maxAttempts: 3})
	f.cluster.Node("builder").SetBuildError(fmt.Errorf("insufficient liquidity"))
	f.scheduler.Start()

	id, err := f.scheduler.Submit(context.Background(), signal("ETH-USDC"))
	require.NoError(t, err)

	order := f.waitFinal(t, id)
	assert.Equal(t, model.StatusFailed, order.Status)
	assert.Equal(t, 1, order.ExecutionAttempts)
	assert.False(t, order.Retryable)
	assert.Zero(t, f.node.TotalCalls())
}

func TestExecutionTimeoutMarksOrderTimedOut(t *testing.T) {
	f := newFixture(t, options{maxAttempts: 1, executionTimeout: 100 * time.Millisecond})
	f.node.SetDelay(time.Second)
	f.scheduler.Start()

	id, err := f.scheduler.Submit(context.Background(), signal("ETH-USDC"))
	require.NoError(t, err)

	order := f.waitFinal(t, id)
	assert.Equal(t, model.StatusTimeout, order.Status)
	assert.Equal(t, 1, order.ExecutionAttempts)
	assert.Contains(t, order.LastError, "timeout")
	assert.Equal(t, 1, f.recorder.count(id))
}

func TestRetryConfirmsEarlierSubmission(t *testing.T) {
	f := newFixture(t, options{maxAttempts: 3})
	sig := signal("ETH-USDC")

	// The first submission errors but the ledger received it anyway.
	f.node.FailMethod("eth_sendRawTransaction", true)
	hash := (&model.Transaction{Raw: []byte("buy:ETH-USDC:1:")}).Hash()
	f.node.MarkKnown(hash)
	f.scheduler.Start()

	id, err := f.scheduler.Submit(context.Background(), sig)
	require.NoError(t, err)

	order := f.waitFinal(t, id)
	assert.Equal(t, model.StatusCompleted, order.Status)
	assert.Equal(t, 2, order.ExecutionAttempts)
	assert.Equal(t, hash, order.TxHash)
	assert.Equal(t, 1, f.node.Calls("eth_sendRawTransaction"))
	assert.Equal(t, 1, f.node.Calls("eth_getTransactionByHash"))
}

func TestCancelPendingOrder(t *testing.T) {
	f := newFixture(t, options{})
	f.scheduler.Start()
	f.scheduler.Pause()

	ctx := context.Background()
	id, err := f.scheduler.Submit(ctx, signal("ETH-USDC"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.scheduler.Stats().Pending)

	order, err := f.scheduler.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, order.Status)
	assert.Equal(t, 0, f.scheduler.Stats().Pending)

	f.scheduler.Resume()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.node.TotalCalls())

	_, err = f.scheduler.Cancel(ctx, id)
	assert.ErrorIs(t, err, execerr.ErrInvalidTransition)
}

func TestCancelExecutingOrderDiscardsResult(t *testing.T) {
	f := newFixture(t, options{})
	f.node.SetDelay(200 * time.Millisecond)
	f.scheduler.Start()

	ctx := context.Background()
	id, err := f.scheduler.Submit(ctx, signal("ETH-USDC"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.status(t, id) == model.StatusExecuting }, time.Second, 5*time.Millisecond)

	_, err = f.scheduler.Cancel(ctx, id)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.scheduler.Stats().Active == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StatusCancelled, f.status(t, id))
	assert.Equal(t, 1, f.recorder.count(id))
}

func TestPauseHoldsDispatch(t *testing.T) {
	f := newFixture(t, options{})
	f.scheduler.Start()
	f.scheduler.Pause()

	id, err := f.scheduler.Submit(context.Background(), signal("ETH-USDC"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StatusPending, f.status(t, id))
	assert.True(t, f.scheduler.Stats().Paused)

	f.scheduler.Resume()
	assert.Equal(t, model.StatusCompleted, f.waitFinal(t, id).Status)
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t, options{guard: guard.NewMemoryGuard(time.Hour)})
	ctx := context.Background()

	sig := signal("ETH-USDC")
	sig.IdempotencyKey = "strategy-1:42"
	first, err := f.scheduler.Submit(ctx, sig)
	require.NoError(t, err)

	holder, err := f.scheduler.Submit(ctx, sig)
	assert.ErrorIs(t, err, execerr.ErrDuplicateOrder)
	assert.Equal(t, first, holder)
	assert.Equal(t, 1, f.scheduler.Stats().Pending)
}

func TestRejectedSignalLeavesIdempotencyKeyFree(t *testing.T) {
	f := newFixture(t, options{guard: guard.NewMemoryGuard(time.Hour)})
	ctx := context.Background()

	bad := signal("")
	bad.IdempotencyKey = "strategy-1:7"
	rejected, err := f.scheduler.Submit(ctx, bad)
	assert.ErrorIs(t, err, execerr.ErrValidation)

	good := signal("ETH-USDC")
	good.IdempotencyKey = "strategy-1:7"
	accepted, err := f.scheduler.Submit(ctx, good)
	require.NoError(t, err)
	assert.NotEqual(t, rejected, accepted)

	holder, err := f.scheduler.Submit(ctx, good)
	assert.ErrorIs(t, err, execerr.ErrDuplicateOrder)
	assert.Equal(t, accepted, holder)

	order, err := f.orders.Get(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, "strategy-1:7", order.IdempotencyKey)
}

func TestDuplicateFromStoreReturnsStoredHolder(t *testing.T) {
	f := newFixture(t, options{guard: guard.NewMemoryGuard(time.Hour)})
	ctx := context.Background()

	// Stored before this guard existed, as after a restart.
	sig := signal("ETH-USDC")
	sig.IdempotencyKey = "strategy-1:8"
	stored := f.orders.NewOrder(sig)
	require.NoError(t, f.orders.Register(ctx, stored))

	holder, err := f.scheduler.Submit(ctx, sig)
	assert.ErrorIs(t, err, execerr.ErrDuplicateOrder)
	assert.Equal(t, stored.OrderID, holder)

	holder, err = f.scheduler.Submit(ctx, sig)
	assert.ErrorIs(t, err, execerr.ErrDuplicateOrder)
	assert.Equal(t, stored.OrderID, holder)

	_, err = f.orders.Get(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, 0, f.scheduler.Stats().Pending)
}

func TestStopDrainsActiveExecutions(t *testing.T) {
	f := newFixture(t, options{maxConcurrent: 1})
	f.node.SetDelay(200 * time.Millisecond)
	f.scheduler.Start()

	ctx := context.Background()
	first, err := f.scheduler.Submit(ctx, signal("MKT-1"))
	require.NoError(t, err)
	second, err := f.scheduler.Submit(ctx, signal("MKT-2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.status(t, first) == model.StatusExecuting }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.scheduler.Stop(stopCtx))

	assert.Equal(t, model.StatusCompleted, f.status(t, first))
	assert.Equal(t, model.StatusPending, f.status(t, second))
	assert.False(t, f.scheduler.Stats().Running)
}

func TestRestoreSchedulesRecoveredOrders(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	order := f.orders.NewOrder(signal("ETH-USDC"))
	require.NoError(t, f.orders.Register(ctx, order))

	f.scheduler.Restore(ctx, []*model.Order{order})
	f.scheduler.Start()

	assert.Equal(t, model.StatusCompleted, f.waitFinal(t, order.OrderID).Status)
}

func TestSweptPendingOrderLeavesQueue(t *testing.T) {
	f := newFixture(t, options{})
	ctx := context.Background()

	id, err := f.scheduler.Submit(ctx, signal("ETH-USDC"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.scheduler.Stats().Pending)

	assert.Equal(t, 1, f.orders.Sweep(ctx, time.Now().Add(time.Hour)))
	assert.Equal(t, 0, f.scheduler.Stats().Pending)
	assert.Equal(t, model.StatusTimeout, f.status(t, id))
}
