package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionMetric is recorded once per physical execution attempt.
type ExecutionMetric struct {
	MetricID        string              `db:"metric_id" json:"metric_id"`
	OrderID         string              `db:"order_id" json:"order_id"`
	RecordedAt      time.Time           `db:"recorded_at" json:"recorded_at"`
	Duration        time.Duration       `db:"duration_ns" json:"duration"`
	Success         bool                `db:"success" json:"success"`
	Method          string              `db:"method" json:"method"`
	Category        string              `db:"category" json:"category"`
	Endpoint        string              `db:"endpoint" json:"endpoint,omitempty"`
	ValueTransacted decimal.NullDecimal `db:"value_transacted" json:"value_transacted"`
	FeesPaid        decimal.NullDecimal `db:"fees_paid" json:"fees_paid"`
	Slippage        decimal.NullDecimal `db:"slippage" json:"slippage"`
	Error           string              `db:"error_message" json:"error,omitempty"`
}
