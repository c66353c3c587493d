package signal_consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/events"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

// Submitter accepts signals. *scheduler.Scheduler implements it.
type Submitter interface {
	Submit(ctx context.Context, signal model.Signal) (string, error)
}

// Consumer is the subset of *kafka.Consumer used here.
type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

type SignalConsumer struct {
	logger        *zap.Logger
	kafkaConsumer Consumer
	submitter     Submitter
	kafkaTopic    string
}

func NewSignalConsumer(kafkaBroker, kafkaTopic, groupID string, submitter Submitter, logger *zap.Logger) (*SignalConsumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          groupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return NewSignalConsumerWithConsumer(consumer, kafkaTopic, submitter, logger), nil
}

func NewSignalConsumerWithConsumer(consumer Consumer, kafkaTopic string, submitter Submitter, logger *zap.Logger) *SignalConsumer {
	return &SignalConsumer{
		logger:        logger,
		kafkaConsumer: consumer,
		submitter:     submitter,
		kafkaTopic:    kafkaTopic,
	}
}

// Start consumes the signal topic until ctx is done.
func (sc *SignalConsumer) Start(ctx context.Context) error {
	sc.logger.Info("Starting signal consumer...", zap.String("topic", sc.kafkaTopic))

	if err := sc.kafkaConsumer.Subscribe(sc.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", sc.kafkaTopic, err)
	}

	for {
		if ctx.Err() != nil {
			sc.logger.Info("Signal consumer stopped")
			return nil
		}

		msg, err := sc.kafkaConsumer.ReadMessage(500 * time.Millisecond)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			sc.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := sc.processMessage(ctx, msg); err != nil {
			sc.logger.Error("Error processing signal message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
}

// processMessage submits the signal carried by msg. Signals without an
// idempotency key are keyed by their topic position, so a redelivered
// message does not create a second order.
func (sc *SignalConsumer) processMessage(ctx context.Context, msg *kafka.Message) error {
	var signalMsg events.SignalMessage
	if err := json.Unmarshal(msg.Value, &signalMsg); err != nil {
		return fmt.Errorf("failed to unmarshal signal message: %w", err)
	}

	signal := signalMsg.Signal
	if signal.IdempotencyKey == "" {
		topic := sc.kafkaTopic
		if msg.TopicPartition.Topic != nil {
			topic = *msg.TopicPartition.Topic
		}
		signal.IdempotencyKey = fmt.Sprintf("%s:%d:%d", topic, msg.TopicPartition.Partition, msg.TopicPartition.Offset)
	}

	orderID, err := sc.submitter.Submit(ctx, signal)
	switch execerr.KindOf(err) {
	case execerr.KindUnknown:
		if err != nil {
			return err
		}
	case execerr.KindDuplicateOrder:
		sc.logger.Info("Skipping already submitted signal",
			zap.String("idempotency_key", signal.IdempotencyKey),
			zap.String("order_id", orderID))
		return nil
	case execerr.KindValidation:
		sc.logger.Warn("Rejected signal",
			zap.String("source", signalMsg.Source),
			zap.String("order_id", orderID),
			zap.Error(err))
		return nil
	default:
		return fmt.Errorf("failed to submit signal: %w", err)
	}

	sc.logger.Info("Submitted signal",
		zap.String("source", signalMsg.Source),
		zap.String("market", signal.Market),
		zap.String("action", signal.Action),
		zap.String("order_id", orderID))
	return nil
}

func (sc *SignalConsumer) Close() error {
	if sc.kafkaConsumer != nil {
		return sc.kafkaConsumer.Close()
	}
	return nil
}
