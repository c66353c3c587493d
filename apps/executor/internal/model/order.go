package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusExecuting OrderStatus = "EXECUTING"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusFailed    OrderStatus = "FAILED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusTimeout   OrderStatus = "TIMEOUT"
	StatusRejected  OrderStatus = "REJECTED"
)

// IsTerminal reports whether no attempt is pending or running for the status.
// FAILED and TIMEOUT are terminal for the attempt but may still be re-queued,
// see Order.IsFinal.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusRejected:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout, StatusRejected:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

const DefaultMaxAttempts = 3

type Order struct {
	OrderID           string              `db:"order_id" json:"order_id"`
	Signal            Signal              `db:"signal_payload" json:"signal"`
	Status            OrderStatus         `db:"status" json:"status"`
	Priority          Priority            `db:"priority" json:"priority"`
	ExecutionAttempts int                 `db:"execution_attempts" json:"execution_attempts"`
	MaxAttempts       int                 `db:"max_attempts" json:"max_attempts"`
	Retryable         bool                `db:"retryable" json:"retryable"` // false once a failure must not be re-queued
	LastError         string              `db:"last_error" json:"error,omitempty"`
	Result            json.RawMessage     `db:"result" json:"result,omitempty"`
	ExecutionDuration time.Duration       `db:"execution_duration_ns" json:"execution_duration"`
	ExecutionMethod   string              `db:"execution_method" json:"execution_method,omitempty"`
	TxHash            string              `db:"tx_hash" json:"tx_hash,omitempty"`
	ValueTransacted   decimal.NullDecimal `db:"value_transacted" json:"value_transacted"`
	FeesPaid          decimal.NullDecimal `db:"fees_paid" json:"fees_paid"`
	Slippage          decimal.NullDecimal `db:"slippage" json:"slippage"`
	IdempotencyKey    string              `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
	CompletedAt       *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
}

// CanRetry reports whether a FAILED or TIMEOUT order may go back to PENDING.
func (o *Order) CanRetry() bool {
	if o.Status != StatusFailed && o.Status != StatusTimeout {
		return false
	}
	return o.Retryable && o.ExecutionAttempts < o.MaxAttempts
}

// IsFinal reports whether the order belongs to history: no further transition
// will ever happen to it.
func (o *Order) IsFinal() bool {
	return o.Status.IsTerminal() && !o.CanRetry()
}

// IsActive is the complement of IsFinal.
func (o *Order) IsActive() bool {
	return !o.IsFinal()
}

// Clone returns a copy that shares no mutable state with o.
func (o *Order) Clone() *Order {
	c := *o
	c.Signal = o.Signal.Clone()
	if o.Result != nil {
		c.Result = append(json.RawMessage(nil), o.Result...)
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// OrderStats summarises the order history.
type OrderStats struct {
	Active           int             `json:"active"`
	Completed        int64           `json:"completed"`
	Failed           int64           `json:"failed"`
	Cancelled        int64           `json:"cancelled"`
	TimedOut         int64           `json:"timed_out"`
	Rejected         int64           `json:"rejected"`
	AvgExecutionTime time.Duration   `json:"avg_execution_time"`
	TotalValue       decimal.Decimal `json:"total_value"`
	TotalFees        decimal.Decimal `json:"total_fees"`
}
