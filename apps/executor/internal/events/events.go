package events

import (
	"time"

	"tradeexec/apps/executor/internal/model"
)

// OrderEvent is the Kafka message published for every persisted order mutation.
type OrderEvent struct {
	EventID           string            `json:"event_id"`
	OrderID           string            `json:"order_id"`
	Status            model.OrderStatus `json:"status"`
	ExecutionAttempts int               `json:"execution_attempts"`
	MaxAttempts       int               `json:"max_attempts"`
	Market            string            `json:"market"`
	Action            string            `json:"action"`
	ExecutionMethod   string            `json:"execution_method,omitempty"`
	TxHash            string            `json:"tx_hash,omitempty"`
	Error             string            `json:"error,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
	Timestamp         time.Time         `json:"timestamp"`
}

// NewOrderEvent snapshots an order into an event payload.
func NewOrderEvent(eventID string, order *model.Order) OrderEvent {
	return OrderEvent{
		EventID:           eventID,
		OrderID:           order.OrderID,
		Status:            order.Status,
		ExecutionAttempts: order.ExecutionAttempts,
		MaxAttempts:       order.MaxAttempts,
		Market:            order.Signal.Market,
		Action:            order.Signal.Action,
		ExecutionMethod:   order.ExecutionMethod,
		TxHash:            order.TxHash,
		Error:             order.LastError,
		OccurredAt:        order.UpdatedAt,
	}
}

// SignalMessage is the payload read from the signal topic.
type SignalMessage struct {
	Signal    model.Signal `json:"signal"`
	Source    string       `json:"source,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
