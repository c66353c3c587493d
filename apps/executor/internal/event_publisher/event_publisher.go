package event_publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/events"
	"tradeexec/apps/executor/internal/model"
)

// Outbox is the event store the publisher drains. *repository.OutboxRepository
// implements it.
type Outbox interface {
	GetUnsentEventsForProcessing(ctx context.Context, limit int) ([]model.OrderEvent, error)
	MarkEventAsSent(ctx context.Context, eventID string) error
	MarkEventAsFailed(ctx context.Context, eventID string) error
}

// Producer is the subset of *kafka.Producer used here.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

type EventPublisher struct {
	logger        *zap.Logger
	kafkaProducer Producer
	kafkaTopic    string
	outbox        Outbox
	interval      time.Duration
	batchSize     int
	mu            sync.Mutex // one publishing pass at a time
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, outbox Outbox, logger *zap.Logger) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return NewEventPublisherWithProducer(producer, kafkaTopic, outbox, logger), nil
}

func NewEventPublisherWithProducer(producer Producer, kafkaTopic string, outbox Outbox, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		outbox:        outbox,
		interval:      3 * time.Second,
		batchSize:     100,
	}
}

// StartPublishing drains the outbox every few seconds until ctx is done.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(ep.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ep.logger.Info("Order event publisher stopped")
			return
		case <-ticker.C:
			if _, err := ep.publishUnsentEvents(ctx); err != nil {
				ep.logger.Error("Error publishing order events to Kafka", zap.Error(err))
			}
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents(ctx context.Context) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.outbox.GetUnsentEventsForProcessing(ctx, ep.batchSize)
	if err != nil {
		return 0, err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.logger.Error("Failed to publish order event to Kafka",
				zap.String("event_id", event.EventID),
				zap.String("order_id", event.OrderID),
				zap.Error(err))
			// back to 'unsent' for the next pass
			if markErr := ep.outbox.MarkEventAsFailed(ctx, event.EventID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.String("event_id", event.EventID), zap.Error(markErr))
			}
			continue
		}

		if err := ep.outbox.MarkEventAsSent(ctx, event.EventID); err != nil {
			// Published but still 'processing'; consumers must tolerate a duplicate.
			ep.logger.Error("Failed to mark event as sent", zap.String("event_id", event.EventID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published order events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}

	return successCount, nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OrderEvent) error {
	var kafkaMsg events.OrderEvent
	if err := json.Unmarshal(event.Payload, &kafkaMsg); err != nil {
		return fmt.Errorf("failed to decode outbox payload: %w", err)
	}
	kafkaMsg.Timestamp = time.Now().UTC()

	msgBytes, err := json.Marshal(kafkaMsg)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err = ep.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(event.OrderID), // keeps one order's events in order
		Value:          msgBytes,
		Headers:        []kafka.Header{{Key: "order_status", Value: []byte(event.OrderStatus)}},
	}, deliveryChan)
	if err != nil {
		return err
	}

	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.kafkaProducer != nil {
		ep.kafkaProducer.Close()
	}
	return nil
}
