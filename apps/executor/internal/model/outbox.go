package model

import (
	"encoding/json"
	"time"
)

const (
	PublishUnsent     = "unsent"
	PublishProcessing = "processing"
	PublishSent       = "sent"
)

// OrderEvent is an outbox row written in the same store transaction as the
// order mutation it describes.
type OrderEvent struct {
	EventID       string          `db:"event_id"`
	OrderID       string          `db:"order_id"`
	OrderStatus   OrderStatus     `db:"order_status"`
	PublishStatus string          `db:"publish_status"`
	Payload       json.RawMessage `db:"payload"`
	CreatedAt     time.Time       `db:"created_at"`
}
