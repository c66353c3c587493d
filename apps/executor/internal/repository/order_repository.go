package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

const orderColumns = `order_id, signal_payload, status, priority, execution_attempts, max_attempts, retryable,
	last_error, result, execution_duration_ns, execution_method, tx_hash, value_transacted, fees_paid, slippage,
	idempotency_key, created_at, updated_at, completed_at`

type OrderRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewOrderRepository(db *DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

// CreateOrder inserts a new order together with its outbox event. It returns a
// DuplicateOrder error when the id or the idempotency key is already taken.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	if order.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT order_id FROM orders WHERE idempotency_key = ?`), order.IdempotencyKey).Scan(&existing)
		switch {
		case err == nil:
			dup := execerr.Newf(execerr.KindDuplicateOrder, "create order", "idempotency key %s already used by order %s", order.IdempotencyKey, existing)
			dup.OrderID = existing
			return dup
		case err != sql.ErrNoRows:
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (`+placeholders(len(args))+`)
		ON CONFLICT (order_id) DO NOTHING
	`), args...)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	} else if n == 0 {
		dup := execerr.Newf(execerr.KindDuplicateOrder, "create order", "order %s already exists", order.OrderID)
		dup.OrderID = order.OrderID
		return dup
	}

	if err := insertOrderEvent(ctx, tx, r.db, order); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}

	r.logger.Debug("Created order",
		zap.String("order_id", order.OrderID),
		zap.String("status", string(order.Status)),
		zap.String("market", order.Signal.Market))
	return nil
}

// UpdateOrder rewrites the full order row and appends an outbox event.
func (r *OrderRepository) UpdateOrder(ctx context.Context, order *model.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// args[0] is the order id; move it to the WHERE clause
	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		UPDATE orders SET
			signal_payload = ?, status = ?, priority = ?, execution_attempts = ?, max_attempts = ?, retryable = ?,
			last_error = ?, result = ?, execution_duration_ns = ?, execution_method = ?, tx_hash = ?,
			value_transacted = ?, fees_paid = ?, slippage = ?, idempotency_key = ?, created_at = ?,
			updated_at = ?, completed_at = ?
		WHERE order_id = ?
	`), append(args[1:], args[0])...)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	} else if n == 0 {
		return execerr.Newf(execerr.KindNotFound, "update order", "order %s does not exist", order.OrderID)
	}

	if err := insertOrderEvent(ctx, tx, r.db, order); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order update: %w", err)
	}

	r.logger.Debug("Updated order",
		zap.String("order_id", order.OrderID),
		zap.String("status", string(order.Status)),
		zap.Int("execution_attempts", order.ExecutionAttempts))
	return nil
}

func (r *OrderRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`), orderID)

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}

	return order, nil
}

func (r *OrderRepository) GetOrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`), key)

	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
	}

	return order, nil
}

func (r *OrderRepository) ListOrdersByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]*model.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = ?
		ORDER BY created_at DESC, order_id
		LIMIT ?
	`, string(status), limit)
}

func (r *OrderRepository) ListRecentOrders(ctx context.Context, limit int) ([]*model.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		ORDER BY created_at DESC, order_id
		LIMIT ?
	`, limit)
}

// ListActiveOrders returns every order that may still transition, oldest
// first. Used to rebuild in-memory state on startup.
func (r *OrderRepository) ListActiveOrders(ctx context.Context) ([]*model.Order, error) {
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('PENDING', 'EXECUTING')
		   OR (status IN ('FAILED', 'TIMEOUT') AND retryable = ? AND execution_attempts < max_attempts)
		ORDER BY created_at, order_id
	`, true)
}

// OrderStats aggregates the history of final orders.
func (r *OrderRepository) OrderStats(ctx context.Context) (model.OrderStats, error) {
	stats := model.OrderStats{TotalValue: decimal.Zero, TotalFees: decimal.Zero}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT status, COUNT(*) FROM orders
		WHERE status IN ('COMPLETED', 'CANCELLED', 'REJECTED')
		   OR (status IN ('FAILED', 'TIMEOUT') AND (retryable = ? OR execution_attempts >= max_attempts))
		GROUP BY status
	`), false)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan order aggregate: %w", err)
		}
		switch model.OrderStatus(status) {
		case model.StatusCompleted:
			stats.Completed = count
		case model.StatusFailed:
			stats.Failed = count
		case model.StatusCancelled:
			stats.Cancelled = count
		case model.StatusTimeout:
			stats.TimedOut = count
		case model.StatusRejected:
			stats.Rejected = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating order aggregates: %w", err)
	}
	rows.Close()

	var totalDuration int64
	var totalValue, totalFees decimal.NullDecimal
	if r.db.Dialect() == DialectSQLite {
		totalDuration, totalValue, totalFees, err = r.sumCompleted(ctx)
	} else {
		err = r.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(execution_duration_ns), 0), SUM(value_transacted), SUM(fees_paid)
			FROM orders WHERE status = 'COMPLETED'
		`).Scan(&totalDuration, &totalValue, &totalFees)
	}
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate completed orders: %w", err)
	}

	if stats.Completed > 0 {
		stats.AvgExecutionTime = time.Duration(totalDuration / stats.Completed)
	}
	if totalValue.Valid {
		stats.TotalValue = totalValue.Decimal
	}
	if totalFees.Valid {
		stats.TotalFees = totalFees.Decimal
	}

	return stats, nil
}

// sumCompleted totals completed orders in Go. SQLite's SUM over TEXT amounts
// would go through floating point.
func (r *OrderRepository) sumCompleted(ctx context.Context) (int64, decimal.NullDecimal, decimal.NullDecimal, error) {
	var (
		totalDuration         int64
		totalValue, totalFees decimal.NullDecimal
	)
	rows, err := r.db.QueryContext(ctx, `
		SELECT execution_duration_ns, value_transacted, fees_paid
		FROM orders WHERE status = 'COMPLETED'
	`)
	if err != nil {
		return 0, totalValue, totalFees, err
	}
	defer rows.Close()

	for rows.Next() {
		var duration int64
		var value, fees decimal.NullDecimal
		if err := rows.Scan(&duration, &value, &fees); err != nil {
			return 0, totalValue, totalFees, err
		}
		totalDuration += duration
		if value.Valid {
			totalValue = decimal.NewNullDecimal(totalValue.Decimal.Add(value.Decimal))
		}
		if fees.Valid {
			totalFees = decimal.NewNullDecimal(totalFees.Decimal.Add(fees.Decimal))
		}
	}
	return totalDuration, totalValue, totalFees, rows.Err()
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*model.Order, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}

func orderArgs(order *model.Order) ([]interface{}, error) {
	signal, err := json.Marshal(order.Signal)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal: %w", err)
	}

	var result, idempotencyKey, completedAt interface{}
	if len(order.Result) > 0 {
		result = string(order.Result)
	}
	if order.IdempotencyKey != "" {
		idempotencyKey = order.IdempotencyKey
	}
	if order.CompletedAt != nil {
		completedAt = order.CompletedAt.UnixNano()
	}

	return []interface{}{
		order.OrderID, string(signal), string(order.Status), string(order.Priority),
		order.ExecutionAttempts, order.MaxAttempts, order.Retryable,
		order.LastError, result, int64(order.ExecutionDuration), order.ExecutionMethod, order.TxHash,
		order.ValueTransacted, order.FeesPaid, order.Slippage,
		idempotencyKey, order.CreatedAt.UnixNano(), order.UpdatedAt.UnixNano(), completedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		order          model.Order
		signal         string
		status         string
		priority       string
		result         sql.NullString
		durationNs     int64
		idempotencyKey sql.NullString
		createdAt      int64
		updatedAt      int64
		completedAt    sql.NullInt64
	)

	err := row.Scan(&order.OrderID, &signal, &status, &priority,
		&order.ExecutionAttempts, &order.MaxAttempts, &order.Retryable,
		&order.LastError, &result, &durationNs, &order.ExecutionMethod, &order.TxHash,
		&order.ValueTransacted, &order.FeesPaid, &order.Slippage,
		&idempotencyKey, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(signal), &order.Signal); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signal of order %s: %w", order.OrderID, err)
	}

	order.Status = model.OrderStatus(strings.TrimSpace(status))
	order.Priority = model.Priority(strings.TrimSpace(priority))
	if result.Valid && result.String != "" {
		order.Result = json.RawMessage(result.String)
	}
	order.ExecutionDuration = time.Duration(durationNs)
	order.IdempotencyKey = idempotencyKey.String
	order.CreatedAt = time.Unix(0, createdAt).UTC()
	order.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		order.CompletedAt = &t
	}

	return &order, nil
}
