// Package builder turns signals into ledger transactions by calling an
// external builder service.
package builder

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/endpoint"
	"tradeexec/apps/executor/internal/model"
)

// Builder produces the opaque transaction payload for a signal.
type Builder interface {
	Build(ctx context.Context, signal model.Signal) (*model.Transaction, error)
}

// RPCBuilder asks a JSON-RPC builder service for the transaction. The signal
// is sent as the only parameter and the reply must decode into a
// model.Transaction.
type RPCBuilder struct {
	client  endpoint.Caller
	method  string
	timeout time.Duration
	logger  *zap.Logger
}

func NewRPCBuilder(ctx context.Context, cfg model.EndpointConfig, method string, dial endpoint.Dialer, logger *zap.Logger) (*RPCBuilder, error) {
	if dial == nil {
		dial = endpoint.DialRPC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to transaction builder: %w", err)
	}

	return &RPCBuilder{client: client, method: method, timeout: cfg.Timeout, logger: logger}, nil
}

func (b *RPCBuilder) Build(ctx context.Context, signal model.Signal) (*model.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var tx model.Transaction
	if err := b.client.CallContext(ctx, &tx, b.method, signal); err != nil {
		return nil, fmt.Errorf("failed to build transaction for %s %s: %w", signal.Action, signal.Market, err)
	}
	if len(tx.Raw) == 0 {
		return nil, fmt.Errorf("builder returned an empty transaction for %s %s", signal.Action, signal.Market)
	}
	if tx.Type == "" {
		tx.Type = signal.Type()
	}

	b.logger.Debug("Built transaction",
		zap.String("market", signal.Market),
		zap.String("action", signal.Action),
		zap.String("tx_hash", tx.Hash()))
	return &tx, nil
}

func (b *RPCBuilder) Close() {
	b.client.Close()
}
