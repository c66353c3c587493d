// Package executor submits built transactions through an ordered chain of
// submission methods, retrying the whole chain a bounded number of times.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/builder"
	"tradeexec/apps/executor/internal/endpoint"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

// Router performs a routed JSON-RPC call. *endpoint.Manager implements it.
type Router interface {
	MakeRequest(ctx context.Context, method string, params []interface{}, preferred string, features []string) (*endpoint.Response, error)
}

type Config struct {
	PreferredMethod string
	FallbackMethods []string
	MaxRetries      int
	RetryDelay      time.Duration
	StatusMethod    string
}

// Result describes one execution of a transaction.
type Result struct {
	Success         bool                `json:"success"`
	Error           string              `json:"error,omitempty"`
	Err             *execerr.Error      `json:"-"`
	ExecutionTime   time.Duration       `json:"execution_time"`
	ExecutionMethod string              `json:"execution_method,omitempty"`
	TransactionType string              `json:"transaction_type"`
	MethodsTried    []string            `json:"methods_tried"`
	TxHash          string              `json:"tx_hash,omitempty"`
	Endpoint        string              `json:"endpoint,omitempty"`
	Response        json.RawMessage     `json:"response,omitempty"`
	Value           decimal.NullDecimal `json:"value"`
	Fees            decimal.NullDecimal `json:"fees"`
}

func (r *Result) fail(err *execerr.Error) *Result {
	r.Success = false
	r.Err = err
	r.Error = err.Error()
	return r
}

type Executor struct {
	cfg     Config
	methods map[string]model.MethodConfig
	router  Router
	builder builder.Builder
	logger  *zap.Logger
}

func NewExecutor(cfg Config, methods []model.MethodConfig, router Router, b builder.Builder, logger *zap.Logger) *Executor {
	byName := make(map[string]model.MethodConfig, len(methods))
	for _, m := range methods {
		byName[m.Name] = m
	}
	return &Executor{cfg: cfg, methods: byName, router: router, builder: b, logger: logger}
}

func (e *Executor) HasMethod(name string) bool {
	_, ok := e.methods[name]
	return ok
}

// chain returns [method] followed by the configured fallbacks, without
// repeats.
func (e *Executor) chain(method string) []string {
	seen := make(map[string]bool, len(e.cfg.FallbackMethods)+1)
	chain := make([]string, 0, len(e.cfg.FallbackMethods)+1)
	for _, name := range append([]string{method}, e.cfg.FallbackMethods...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		chain = append(chain, name)
	}
	return chain
}

// Build asks the transaction builder for the payload of signal.
func (e *Executor) Build(ctx context.Context, signal model.Signal) (*model.Transaction, *execerr.Error) {
	if e.builder == nil {
		return nil, execerr.New(execerr.KindBuild, "build", "no transaction builder configured")
	}

	tx, err := e.builder.Build(ctx, signal)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindBuild, "build", err)
	}
	return tx, nil
}

// ExecuteSignal builds the transaction for signal and executes it. A build
// failure is returned as is and consumes no retries.
func (e *Executor) ExecuteSignal(ctx context.Context, signal model.Signal) *Result {
	start := time.Now()
	tx, buildErr := e.Build(ctx, signal)
	if buildErr != nil {
		res := &Result{TransactionType: signal.Type(), ExecutionTime: time.Since(start)}
		return res.fail(buildErr)
	}

	return e.Execute(ctx, tx, signal.Type(), signal.Method)
}

// Execute submits tx with method, falling back through the configured
// methods. When the whole chain fails it is retried up to MaxRetries more
// times, RetryDelay apart.
func (e *Executor) Execute(ctx context.Context, tx *model.Transaction, txType, method string) *Result {
	start := time.Now()
	if method == "" {
		method = e.cfg.PreferredMethod
	}
	if txType == "" {
		txType = tx.Type
	}
	if txType == "" {
		txType = model.DefaultTransactionType
	}

	res := &Result{TransactionType: txType, TxHash: tx.Hash()}
	defer func() { res.ExecutionTime = time.Since(start) }()

	if !e.HasMethod(method) {
		return res.fail(execerr.Newf(execerr.KindValidation, "execute", "unknown execution method %q", method))
	}

	chain := e.chain(method)
	lastFailure := make(map[string]string, len(chain))

	for pass := 0; pass <= e.cfg.MaxRetries; pass++ {
		if pass > 0 {
			e.logger.Info("Retrying execution chain",
				zap.String("tx_hash", res.TxHash),
				zap.Int("pass", pass),
				zap.Duration("retry_delay", e.cfg.RetryDelay))
			if err := sleep(ctx, e.cfg.RetryDelay); err != nil {
				return res.fail(contextError(err))
			}
		}

		unavailable := 0
		for _, name := range chain {
			if err := ctx.Err(); err != nil {
				return res.fail(contextError(err))
			}

			res.tried(name)
			attempt := e.tryMethod(ctx, name, tx)
			if attempt.IsOk() {
				resp := attempt.Value()
				res.Success = true
				res.ExecutionMethod = name
				res.Endpoint = resp.Endpoint
				res.Response = resp.Result
				res.Value = tx.Value
				res.Fees = tx.Fees

				e.logger.Info("Transaction submitted",
					zap.String("tx_hash", res.TxHash),
					zap.String("method", name),
					zap.String("endpoint", resp.Endpoint),
					zap.Strings("methods_tried", res.MethodsTried))
				return res
			}

			err := attempt.Err()
			if ctx.Err() != nil {
				return res.fail(contextError(ctx.Err()))
			}
			lastFailure[name] = err.Error()
			if err.Kind == execerr.KindEndpointUnavailable {
				unavailable++
			}
			e.logger.Warn("Execution method failed",
				zap.String("tx_hash", res.TxHash),
				zap.String("method", name),
				zap.Error(err))
		}

		// Nothing in the pool can serve any method; waiting will not help.
		if unavailable == len(chain) {
			return res.fail(execerr.Newf(execerr.KindEndpointUnavailable, "execute",
				"no endpoint can serve methods %s", strings.Join(chain, ", ")))
		}
	}

	failures := make([]string, 0, len(chain))
	for _, name := range chain {
		if msg, ok := lastFailure[name]; ok {
			failures = append(failures, fmt.Sprintf("%s: %s", name, msg))
		}
	}
	return res.fail(execerr.Newf(execerr.KindAllMethodsExhausted, "execute",
		"%d passes over %d methods failed: %s", e.cfg.MaxRetries+1, len(chain), strings.Join(failures, "; ")))
}

func (e *Executor) tryMethod(ctx context.Context, name string, tx *model.Transaction) execerr.Result[*endpoint.Response] {
	method, ok := e.methods[name]
	if !ok {
		return execerr.Err[*endpoint.Response](execerr.Newf(execerr.KindValidation, "execute", "unknown execution method %q", name))
	}

	var params []interface{}
	if method.Bundle {
		params = []interface{}{map[string]interface{}{"txs": []interface{}{tx.Raw}}}
	} else {
		params = []interface{}{tx.Raw}
	}

	resp, err := e.router.MakeRequest(ctx, method.RPCMethod, params, "", method.Features)
	if err != nil {
		var typed *execerr.Error
		if errors.As(err, &typed) {
			return execerr.Err[*endpoint.Response](typed)
		}
		return execerr.Err[*endpoint.Response](execerr.Wrap(execerr.KindRemoteCall, "execute", err))
	}
	return execerr.Ok(resp)
}

// Confirm reports whether the ledger already knows the transaction with the
// given hash.
func (e *Executor) Confirm(ctx context.Context, txHash string) (bool, error) {
	resp, err := e.router.MakeRequest(ctx, e.cfg.StatusMethod, []interface{}{txHash}, "", nil)
	if err != nil {
		return false, err
	}

	trimmed := strings.TrimSpace(string(resp.Result))
	return trimmed != "" && trimmed != "null", nil
}

func (r *Result) tried(name string) {
	for _, m := range r.MethodsTried {
		if m == name {
			return
		}
	}
	r.MethodsTried = append(r.MethodsTried, name)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func contextError(err error) *execerr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return execerr.Wrap(execerr.KindOrderTimeout, "execute", err)
	}
	return execerr.Wrap(execerr.KindCancelled, "execute", err)
}
