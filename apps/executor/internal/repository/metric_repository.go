package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/model"
)

const metricColumns = `metric_id, order_id, recorded_at, duration_ns, success, method, category, endpoint,
	value_transacted, fees_paid, slippage, error_message`

type MetricRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewMetricRepository(db *DB, logger *zap.Logger) *MetricRepository {
	return &MetricRepository{db: db, logger: logger}
}

func (r *MetricRepository) InsertMetric(ctx context.Context, m model.ExecutionMetric) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO execution_metrics (`+metricColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_id) DO NOTHING
	`), m.MetricID, m.OrderID, m.RecordedAt.UnixNano(), int64(m.Duration), m.Success, m.Method, m.Category,
		m.Endpoint, m.ValueTransacted, m.FeesPaid, m.Slippage, m.Error)

	if err != nil {
		return fmt.Errorf("failed to insert execution metric: %w", err)
	}

	return nil
}

// LoadMetricsSince returns metrics recorded at or after since, oldest first.
func (r *MetricRepository) LoadMetricsSince(ctx context.Context, since time.Time) ([]model.ExecutionMetric, error) {
	return r.queryMetrics(ctx, `
		SELECT `+metricColumns+`
		FROM execution_metrics
		WHERE recorded_at >= ?
		ORDER BY recorded_at, metric_id
	`, since.UnixNano())
}

func (r *MetricRepository) ListMetricsForOrder(ctx context.Context, orderID string) ([]model.ExecutionMetric, error) {
	return r.queryMetrics(ctx, `
		SELECT `+metricColumns+`
		FROM execution_metrics
		WHERE order_id = ?
		ORDER BY recorded_at, metric_id
	`, orderID)
}

// PurgeMetricsBefore deletes metrics older than before and returns how many
// rows were removed.
func (r *MetricRepository) PurgeMetricsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM execution_metrics WHERE recorded_at < ?`), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge execution metrics: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge execution metrics: %w", err)
	}

	if n > 0 {
		r.logger.Info("Purged execution metrics",
			zap.Int64("rows", n),
			zap.Time("before", before))
	}
	return n, nil
}

func (r *MetricRepository) queryMetrics(ctx context.Context, query string, args ...interface{}) ([]model.ExecutionMetric, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.ExecutionMetric
	for rows.Next() {
		var (
			m          model.ExecutionMetric
			recordedAt int64
			durationNs int64
		)
		if err := rows.Scan(&m.MetricID, &m.OrderID, &recordedAt, &durationNs, &m.Success, &m.Method, &m.Category,
			&m.Endpoint, &m.ValueTransacted, &m.FeesPaid, &m.Slippage, &m.Error); err != nil {
			return nil, fmt.Errorf("failed to scan execution metric: %w", err)
		}
		m.RecordedAt = time.Unix(0, recordedAt).UTC()
		m.Duration = time.Duration(durationNs)
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution metrics: %w", err)
	}

	return metrics, nil
}
