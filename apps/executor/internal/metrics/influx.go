package metrics

import (
	"fmt"

	client "github.com/influxdata/influxdb1-client/v2"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/model"
)

const measurement = "order_execution"

// InfluxSink writes metrics as points of the order_execution measurement.
type InfluxSink struct {
	client   client.Client
	database string
	logger   *zap.Logger
}

func NewInfluxSink(addr, database string, logger *zap.Logger) (*InfluxSink, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr: addr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create influxdb client: %w", err)
	}

	return &InfluxSink{client: c, database: database, logger: logger}, nil
}

func (s *InfluxSink) WriteMetrics(metrics []model.ExecutionMetric) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.database,
		Precision: "ns",
	})
	if err != nil {
		return fmt.Errorf("failed to create batch points: %w", err)
	}

	for _, m := range metrics {
		tags := map[string]string{
			"method":   m.Method,
			"category": m.Category,
			"success":  fmt.Sprintf("%t", m.Success),
		}
		if m.Endpoint != "" {
			tags["endpoint"] = m.Endpoint
		}

		fields := map[string]interface{}{
			"order_id":    m.OrderID,
			"duration_ms": float64(m.Duration.Microseconds()) / 1000,
		}
		if m.ValueTransacted.Valid {
			fields["value"] = m.ValueTransacted.Decimal.InexactFloat64()
		}
		if m.FeesPaid.Valid {
			fields["fees"] = m.FeesPaid.Decimal.InexactFloat64()
		}
		if m.Slippage.Valid {
			fields["slippage"] = m.Slippage.Decimal.InexactFloat64()
		}
		if m.Error != "" {
			fields["error"] = m.Error
		}

		point, err := client.NewPoint(measurement, tags, fields, m.RecordedAt)
		if err != nil {
			return fmt.Errorf("failed to create point: %w", err)
		}
		bp.AddPoint(point)
	}

	if err := s.client.Write(bp); err != nil {
		return fmt.Errorf("failed to write %d points: %w", len(metrics), err)
	}

	s.logger.Debug("Shipped execution metrics", zap.Int("count", len(metrics)))
	return nil
}

func (s *InfluxSink) Close() error {
	return s.client.Close()
}
