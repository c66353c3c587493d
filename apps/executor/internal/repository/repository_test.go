package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, InitMigration(ctx, db))
	return db
}

func newTestOrder(id string) *model.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Order{
		OrderID: id,
		Signal: model.Signal{
			Action: "buy",
			Market: "ETH-USDC",
			Size:   decimal.RequireFromString("1.5"),
		},
		Status:      model.StatusPending,
		Priority:    model.PriorityNormal,
		MaxAttempts: model.DefaultMaxAttempts,
		Retryable:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: DialectPostgres}
	lite := &DB{dialect: DialectSQLite}

	query := `SELECT a FROM t WHERE b = ? AND c IN (?, ?)`
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)`, pg.Rebind(query))
	assert.Equal(t, query, lite.Rebind(query))
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, "", placeholders(0))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	assert.Error(t, err)
}

func TestOrderRepositoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())
	outbox := NewOutboxRepository(db, zap.NewNop())

	order := newTestOrder("order-1")
	order.Signal.Metadata = map[string]string{"strategy": "momentum"}
	require.NoError(t, repo.CreateOrder(ctx, order))

	got, err := repo.GetOrderByID(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "ETH-USDC", got.Signal.Market)
	assert.True(t, got.Signal.Size.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, "momentum", got.Signal.Metadata["strategy"])
	assert.True(t, got.Retryable)
	assert.Equal(t, order.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.CompletedAt)

	count, err := outbox.CountEvents(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	missing, err := repo.GetOrderByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOrderRepositoryRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(openTestDB(t), zap.NewNop())

	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("order-1")))
	err := repo.CreateOrder(ctx, newTestOrder("order-1"))
	assert.ErrorIs(t, err, execerr.ErrDuplicateOrder)

	keyed := newTestOrder("order-2")
	keyed.IdempotencyKey = "signal-42"
	require.NoError(t, repo.CreateOrder(ctx, keyed))

	again := newTestOrder("order-3")
	again.IdempotencyKey = "signal-42"
	err = repo.CreateOrder(ctx, again)
	assert.ErrorIs(t, err, execerr.ErrDuplicateOrder)
	assert.Equal(t, "order-2", execerr.OrderIDOf(err))

	byKey, err := repo.GetOrderByIdempotencyKey(ctx, "signal-42")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "order-2", byKey.OrderID)
}

func TestOrderRepositoryUpdate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())
	outbox := NewOutboxRepository(db, zap.NewNop())

	order := newTestOrder("order-1")
	require.NoError(t, repo.CreateOrder(ctx, order))

	completedAt := time.Now().UTC().Truncate(time.Microsecond)
	order.Status = model.StatusCompleted
	order.ExecutionAttempts = 1
	order.ExecutionMethod = "direct"
	order.TxHash = "0xabc"
	order.ExecutionDuration = 1500 * time.Millisecond
	order.Result = json.RawMessage(`{"tx_hash":"0xabc"}`)
	order.ValueTransacted = decimal.NewNullDecimal(decimal.RequireFromString("250"))
	order.FeesPaid = decimal.NewNullDecimal(decimal.RequireFromString("0.5"))
	order.UpdatedAt = completedAt
	order.CompletedAt = &completedAt
	require.NoError(t, repo.UpdateOrder(ctx, order))

	got, err := repo.GetOrderByID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.ExecutionAttempts)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.Equal(t, 1500*time.Millisecond, got.ExecutionDuration)
	assert.JSONEq(t, `{"tx_hash":"0xabc"}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completedAt, *got.CompletedAt)
	assert.True(t, got.ValueTransacted.Valid)
	assert.True(t, got.ValueTransacted.Decimal.Equal(decimal.RequireFromString("250")))

	count, err := outbox.CountEvents(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	err = repo.UpdateOrder(ctx, newTestOrder("ghost"))
	assert.ErrorIs(t, err, execerr.ErrNotFound)
}

func TestOrderRepositoryListingsAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(openTestDB(t), zap.NewNop())

	base := time.Now().UTC().Add(-time.Hour)
	statuses := []struct {
		id        string
		status    model.OrderStatus
		attempts  int
		retryable bool
	}{
		{"pending", model.StatusPending, 0, true},
		{"executing", model.StatusExecuting, 1, true},
		{"done-1", model.StatusCompleted, 1, true},
		{"done-2", model.StatusCompleted, 2, true},
		{"failed-retry", model.StatusFailed, 1, true},
		{"failed-final", model.StatusFailed, 3, true},
		{"timeout-forced", model.StatusTimeout, 1, false},
		{"cancelled", model.StatusCancelled, 0, true},
	}
	for i, s := range statuses {
		order := newTestOrder(s.id)
		order.Status = s.status
		order.ExecutionAttempts = s.attempts
		order.Retryable = s.retryable
		order.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		order.UpdatedAt = order.CreatedAt
		if s.status == model.StatusCompleted {
			order.ExecutionDuration = time.Duration(i) * time.Second
			order.ValueTransacted = decimal.NewNullDecimal(decimal.NewFromInt(100))
			order.FeesPaid = decimal.NewNullDecimal(decimal.NewFromInt(1))
		}
		require.NoError(t, repo.CreateOrder(ctx, order))
	}

	active, err := repo.ListActiveOrders(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, o := range active {
		ids = append(ids, o.OrderID)
	}
	assert.Equal(t, []string{"pending", "executing", "failed-retry"}, ids)

	completed, err := repo.ListOrdersByStatus(ctx, model.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "done-2", completed[0].OrderID)

	recent, err := repo.ListRecentOrders(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "cancelled", recent[0].OrderID)

	stats, err := repo.OrderStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.TimedOut)
	assert.EqualValues(t, 1, stats.Cancelled)
	assert.Equal(t, 2500*time.Millisecond, stats.AvgExecutionTime)
	assert.True(t, stats.TotalValue.Equal(decimal.NewFromInt(200)))
	assert.True(t, stats.TotalFees.Equal(decimal.NewFromInt(2)))
}

func TestOrderRepositoryKeepsDecimalPrecision(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(openTestDB(t), zap.NewNop())

	values := []string{"0.1", "0.2", "12345678901234567.123456789012345678"}
	for i, v := range values {
		order := newTestOrder(fmt.Sprintf("order-%d", i))
		order.Status = model.StatusCompleted
		order.ExecutionAttempts = 1
		order.ValueTransacted = decimal.NewNullDecimal(decimal.RequireFromString(v))
		order.FeesPaid = decimal.NewNullDecimal(decimal.RequireFromString("0.000000000000000001"))
		require.NoError(t, repo.CreateOrder(ctx, order))
	}

	got, err := repo.GetOrderByID(ctx, "order-2")
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567.123456789012345678", got.ValueTransacted.Decimal.String())

	stats, err := repo.OrderStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "12345678901234567.423456789012345678", stats.TotalValue.String())
	assert.Equal(t, "0.000000000000000003", stats.TotalFees.String())
}

func TestOutboxRepositoryClaimsEvents(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repo := NewOrderRepository(db, zap.NewNop())
	outbox := NewOutboxRepository(db, zap.NewNop())

	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("order-1")))
	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("order-2")))

	claimed, err := outbox.GetUnsentEventsForProcessing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, model.PublishProcessing, claimed[0].PublishStatus)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(claimed[0].Payload, &payload))
	assert.Equal(t, "PENDING", payload["status"])

	again, err := outbox.GetUnsentEventsForProcessing(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, outbox.MarkEventAsSent(ctx, claimed[0].EventID))
	require.NoError(t, outbox.MarkEventAsFailed(ctx, claimed[1].EventID))

	retried, err := outbox.GetUnsentEventsForProcessing(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, claimed[1].EventID, retried[0].EventID)
}

func TestMetricRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMetricRepository(openTestDB(t), zap.NewNop())

	now := time.Now().UTC().Truncate(time.Microsecond)
	old := model.ExecutionMetric{
		MetricID: "m-old", OrderID: "order-1", RecordedAt: now.Add(-48 * time.Hour),
		Duration: time.Second, Success: false, Method: "direct", Category: "swap", Error: "boom",
	}
	fresh := model.ExecutionMetric{
		MetricID: "m-new", OrderID: "order-1", RecordedAt: now,
		Duration: 2 * time.Second, Success: true, Method: "bundle", Category: "swap", Endpoint: "alpha",
		FeesPaid: decimal.NewNullDecimal(decimal.RequireFromString("0.25")),
	}
	require.NoError(t, repo.InsertMetric(ctx, old))
	require.NoError(t, repo.InsertMetric(ctx, fresh))
	require.NoError(t, repo.InsertMetric(ctx, fresh))

	all, err := repo.ListMetricsForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "boom", all[0].Error)

	recent, err := repo.LoadMetricsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Success)
	assert.Equal(t, 2*time.Second, recent[0].Duration)
	assert.Equal(t, "alpha", recent[0].Endpoint)
	assert.True(t, recent[0].FeesPaid.Decimal.Equal(decimal.RequireFromString("0.25")))
	assert.False(t, recent[0].Slippage.Valid)

	purged, err := repo.PurgeMetricsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)
}
