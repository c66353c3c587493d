// Package endpoint routes JSON-RPC calls over a static pool of remote
// endpoints and keeps a circuit-breaker health state for each of them.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

// Caller is the part of *rpc.Client the manager uses.
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Dialer opens a client for one endpoint. It is called lazily, on the first
// request routed to the endpoint.
type Dialer func(ctx context.Context, cfg model.EndpointConfig) (Caller, error)

// DialRPC dials an HTTP or websocket JSON-RPC endpoint. The credential, when
// set, is sent as the Authorization header.
func DialRPC(ctx context.Context, cfg model.EndpointConfig) (Caller, error) {
	var opts []rpc.ClientOption
	if cfg.Credential != "" {
		opts = append(opts, rpc.WithHeader("Authorization", cfg.Credential))
	}

	client, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial endpoint %s: %w", cfg.Name, err)
	}
	return client, nil
}

type Config struct {
	CircuitBreakerThreshold int
	RecoveryInterval        time.Duration
	HealthCheckInterval     time.Duration
	HealthMethod            string
}

// Response is the raw result of a successful call and where it came from.
type Response struct {
	Endpoint string
	Latency  time.Duration
	Result   json.RawMessage
}

type endpointState struct {
	cfg         model.EndpointConfig
	health      model.HealthStatus
	failures    int
	lastChecked time.Time
	lastLatency time.Duration
	lastError   string

	dialMu sync.Mutex
	client Caller
}

type Manager struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	// mu guards the health fields of every endpointState and primary. It is
	// never held across network I/O.
	mu        sync.Mutex
	endpoints []*endpointState
	primary   string
}

func NewManager(endpoints []model.EndpointConfig, cfg Config, dial Dialer, logger *zap.Logger) *Manager {
	if dial == nil {
		dial = DialRPC
	}

	m := &Manager{cfg: cfg, dial: dial, logger: logger}
	for _, ep := range endpoints {
		m.endpoints = append(m.endpoints, &endpointState{cfg: ep, health: model.HealthUnknown})
	}

	m.mu.Lock()
	m.recomputePrimaryLocked(time.Now())
	m.mu.Unlock()

	return m
}

// Select returns the endpoints eligible for a call needing features, best
// first. FAILED endpoints are left out until their recovery interval has
// elapsed; they then come back as half-open candidates behind every healthy
// one. A preferred endpoint that passes the filter is moved to the front.
func (m *Manager) Select(features []string, preferred string) []model.EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := m.candidatesLocked(features, preferred, time.Now())
	statuses := make([]model.EndpointStatus, len(states))
	for i, st := range states {
		statuses[i] = st.snapshot()
	}
	return statuses
}

func (m *Manager) candidatesLocked(features []string, preferred string, now time.Time) []*endpointState {
	var candidates []*endpointState
	for _, st := range m.endpoints {
		if st.health == model.HealthFailed && !m.recoveryDueLocked(st, now) {
			continue
		}
		if !st.snapshot().HasFeatures(features) {
			continue
		}
		candidates = append(candidates, st)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aFailed, bFailed := a.health == model.HealthFailed, b.health == model.HealthFailed
		if aFailed != bFailed {
			return !aFailed
		}
		if a.cfg.Priority != b.cfg.Priority {
			return a.cfg.Priority < b.cfg.Priority
		}
		if a.failures != b.failures {
			return a.failures < b.failures
		}
		return a.cfg.Name < b.cfg.Name
	})

	if preferred != "" {
		for i, st := range candidates {
			if st.cfg.Name == preferred {
				copy(candidates[1:i+1], candidates[:i])
				candidates[0] = st
				break
			}
		}
	}

	return candidates
}

func (m *Manager) recoveryDueLocked(st *endpointState, now time.Time) bool {
	return now.Sub(st.lastChecked) >= m.cfg.RecoveryInterval
}

// MakeRequest calls method on the selected endpoints in order until one
// succeeds. Each endpoint gets its own timeout. Every outcome updates the
// endpoint's health.
func (m *Manager) MakeRequest(ctx context.Context, method string, params []interface{}, preferred string, features []string) (*Response, error) {
	m.mu.Lock()
	candidates := m.candidatesLocked(features, preferred, time.Now())
	m.mu.Unlock()

	if len(candidates) == 0 {
		return nil, execerr.Newf(execerr.KindEndpointUnavailable, "make request",
			"no endpoint available for %s with features %v", method, features)
	}

	var failures []string
	for _, st := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, execerr.Wrap(execerr.KindRemoteCall, "make request", err)
		}

		result, latency, err := m.call(ctx, st, method, params)
		if err != nil {
			// A caller that gave up is not the endpoint's fault.
			if ctx.Err() != nil {
				return nil, execerr.Wrap(execerr.KindRemoteCall, "make request", ctx.Err())
			}
			m.recordFailure(st, err)
			failures = append(failures, fmt.Sprintf("%s: %v", st.cfg.Name, err))
			m.logger.Warn("Endpoint call failed",
				zap.String("endpoint", st.cfg.Name),
				zap.String("method", method),
				zap.Error(err))
			continue
		}

		m.recordSuccess(st, latency)
		return &Response{Endpoint: st.cfg.Name, Latency: latency, Result: result}, nil
	}

	return nil, execerr.Newf(execerr.KindRemoteCall, "make request",
		"%s failed on all %d endpoints: %s", method, len(candidates), strings.Join(failures, "; "))
}

func (m *Manager) call(ctx context.Context, st *endpointState, method string, params []interface{}) (json.RawMessage, time.Duration, error) {
	client, err := m.client(ctx, st)
	if err != nil {
		return nil, 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, st.cfg.Timeout)
	defer cancel()

	var result json.RawMessage
	start := time.Now()
	err = client.CallContext(callCtx, &result, method, params...)
	return result, time.Since(start), err
}

func (m *Manager) client(ctx context.Context, st *endpointState) (Caller, error) {
	st.dialMu.Lock()
	defer st.dialMu.Unlock()

	if st.client != nil {
		return st.client, nil
	}

	client, err := m.dial(ctx, st.cfg)
	if err != nil {
		return nil, err
	}
	st.client = client
	return client, nil
}

func (m *Manager) recordSuccess(st *endpointState, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := st.health
	st.health = model.HealthHealthy
	st.failures = 0
	st.lastChecked = time.Now()
	st.lastLatency = latency
	st.lastError = ""

	if previous == model.HealthFailed || previous == model.HealthDegraded {
		m.logger.Info("Endpoint recovered",
			zap.String("endpoint", st.cfg.Name),
			zap.String("previous", string(previous)),
			zap.Duration("latency", latency))
	}
}

func (m *Manager) recordFailure(st *endpointState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.failures++
	st.lastChecked = time.Now()
	st.lastError = err.Error()

	if st.failures >= m.cfg.CircuitBreakerThreshold {
		if st.health != model.HealthFailed {
			m.logger.Warn("Endpoint circuit opened",
				zap.String("endpoint", st.cfg.Name),
				zap.Int("consecutive_failures", st.failures),
				zap.Duration("recovery_interval", m.cfg.RecoveryInterval))
		}
		st.health = model.HealthFailed
		return
	}
	st.health = model.HealthDegraded
}

// Run probes the pool every health check interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	m.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Endpoint health loop stopped")
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every endpoint that is not FAILED, plus FAILED ones whose
// recovery interval has elapsed, then recomputes the primary endpoint.
func (m *Manager) CheckHealth(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	var due []*endpointState
	for _, st := range m.endpoints {
		if st.health == model.HealthFailed && !m.recoveryDueLocked(st, now) {
			continue
		}
		due = append(due, st)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range due {
		wg.Add(1)
		go func(st *endpointState) {
			defer wg.Done()
			_, latency, err := m.call(ctx, st, m.cfg.HealthMethod, nil)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.recordFailure(st, err)
				m.logger.Debug("Health probe failed",
					zap.String("endpoint", st.cfg.Name),
					zap.Error(err))
				return
			}
			m.recordSuccess(st, latency)
		}(st)
	}
	wg.Wait()

	m.mu.Lock()
	m.recomputePrimaryLocked(time.Now())
	m.mu.Unlock()
}

func (m *Manager) recomputePrimaryLocked(now time.Time) {
	var primary string
	for _, st := range m.candidatesLocked(nil, "", now) {
		if st.health != model.HealthFailed {
			primary = st.cfg.Name
			break
		}
	}

	if primary != m.primary {
		m.logger.Info("Primary endpoint changed",
			zap.String("from", m.primary),
			zap.String("to", primary))
		m.primary = primary
	}
}

// Primary returns the name of the best endpoint as of the last health check,
// or "" when every endpoint is FAILED.
func (m *Manager) Primary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// Statuses returns a snapshot of every endpoint ordered by priority.
func (m *Manager) Statuses() []model.EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]model.EndpointStatus, 0, len(m.endpoints))
	for _, st := range m.endpoints {
		statuses = append(statuses, st.snapshot())
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].Priority != statuses[j].Priority {
			return statuses[i].Priority < statuses[j].Priority
		}
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// Close releases every dialed client.
func (m *Manager) Close() {
	for _, st := range m.endpoints {
		st.dialMu.Lock()
		if st.client != nil {
			st.client.Close()
			st.client = nil
		}
		st.dialMu.Unlock()
	}
}

func (st *endpointState) snapshot() model.EndpointStatus {
	return model.EndpointStatus{
		Name:                st.cfg.Name,
		URL:                 st.cfg.URL,
		Priority:            st.cfg.Priority,
		Timeout:             st.cfg.Timeout,
		Features:            append([]string(nil), st.cfg.Features...),
		Health:              st.health,
		ConsecutiveFailures: st.failures,
		LastChecked:         st.lastChecked,
		LastLatency:         st.lastLatency,
		LastError:           st.lastError,
	}
}
