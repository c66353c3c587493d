package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/events"
	"tradeexec/apps/executor/internal/model"
)

type OutboxRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewOutboxRepository(db *DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

// insertOrderEvent appends an outbox row describing the current state of
// order. It must run inside the transaction that mutates the order.
func insertOrderEvent(ctx context.Context, tx *sql.Tx, db *DB, order *model.Order) error {
	eventID := uuid.New().String()
	payload, err := json.Marshal(events.NewOrderEvent(eventID, order))
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}

	_, err = tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO order_events (event_id, order_id, order_status, publish_status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), eventID, order.OrderID, string(order.Status), model.PublishUnsent, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store order event: %w", err)
	}

	return nil
}

// GetUnsentEventsForProcessing claims up to limit unsent events by moving them
// to 'processing'. On Postgres concurrent publishers skip each other's rows.
func (o *OutboxRepository) GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OrderEvent, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	query := `
		SELECT event_id, order_id, order_status, publish_status, payload, created_at
		FROM order_events
		WHERE publish_status = ?
		ORDER BY created_at, event_id
		LIMIT ?`
	if o.db.Dialect() == DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := tx.QueryContext(ctx, o.db.Rebind(query), model.PublishUnsent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orderEvents []model.OrderEvent
	for rows.Next() {
		var (
			event     model.OrderEvent
			status    string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&event.EventID, &event.OrderID, &status, &event.PublishStatus, &payload, &createdAt); err != nil {
			return nil, err
		}
		event.OrderStatus = model.OrderStatus(status)
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = time.Unix(0, createdAt).UTC()
		orderEvents = append(orderEvents, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	// Mark selected events as 'processing' to prevent other publishers from picking them up
	for i := range orderEvents {
		_, err = tx.ExecContext(ctx, o.db.Rebind(`
			UPDATE order_events
			SET publish_status = ?
			WHERE event_id = ? AND publish_status = ?
		`), model.PublishProcessing, orderEvents[i].EventID, model.PublishUnsent)
		if err != nil {
			return nil, err
		}
		orderEvents[i].PublishStatus = model.PublishProcessing
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return orderEvents, nil
}

func (o *OutboxRepository) MarkEventAsSent(ctx context.Context, eventID string) error {
	_, err := o.db.ExecContext(ctx, o.db.Rebind(`
		UPDATE order_events
		SET publish_status = ?
		WHERE event_id = ?
	`), model.PublishSent, eventID)
	return err
}

// MarkEventAsFailed returns a claimed event to the unsent pool.
func (o *OutboxRepository) MarkEventAsFailed(ctx context.Context, eventID string) error {
	_, err := o.db.ExecContext(ctx, o.db.Rebind(`
		UPDATE order_events
		SET publish_status = ?
		WHERE event_id = ? AND publish_status = ?
	`), model.PublishUnsent, eventID, model.PublishProcessing)
	return err
}

// CountEvents returns how many outbox rows exist for an order.
func (o *OutboxRepository) CountEvents(ctx context.Context, orderID string) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx, o.db.Rebind(`SELECT COUNT(*) FROM order_events WHERE order_id = ?`), orderID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count order events: %w", err)
	}
	return count, nil
}
