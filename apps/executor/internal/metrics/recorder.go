// Package metrics records one ExecutionMetric per execution attempt and keeps
// running totals, per-method totals and rolling windows over them. It only
// observes: nothing here can fail or slow down an execution.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jasonlvhit/gocron"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/executor"
	"tradeexec/apps/executor/internal/model"
)

// Store persists metrics. *repository.MetricRepository implements it.
type Store interface {
	InsertMetric(ctx context.Context, m model.ExecutionMetric) error
	LoadMetricsSince(ctx context.Context, since time.Time) ([]model.ExecutionMetric, error)
	PurgeMetricsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Sink receives batches of metrics for an external time series database.
type Sink interface {
	WriteMetrics(metrics []model.ExecutionMetric) error
}

type Config struct {
	Retention            time.Duration
	PurgeIntervalMinutes int
	BufferSize           int
	FlushInterval        time.Duration
}

type Summary struct {
	Totals  Performance            `json:"totals"`
	Windows map[Window]Performance `json:"windows"`
	Methods map[string]Performance `json:"methods"`
}

type Recorder struct {
	cfg    Config
	store  Store
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	totals  *aggregate
	methods map[string]*aggregate
	windows map[Window]*rollingWindow

	pending chan model.ExecutionMetric
}

// NewRecorder creates a recorder. store and sink may be nil.
func NewRecorder(cfg Config, store Store, sink Sink, logger *zap.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.PurgeIntervalMinutes <= 0 {
		cfg.PurgeIntervalMinutes = 60
	}

	r := &Recorder{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		logger:  logger,
		totals:  newAggregate(),
		methods: make(map[string]*aggregate),
		windows: make(map[Window]*rollingWindow, len(Windows)),
		pending: make(chan model.ExecutionMetric, cfg.BufferSize),
	}
	for _, w := range Windows {
		r.windows[w] = newRollingWindow(w)
	}
	return r
}

// Record turns the outcome of one attempt into a metric and adds it to every
// aggregate. Persisting it happens in the background.
func (r *Recorder) Record(order *model.Order, res *executor.Result) model.ExecutionMetric {
	m := model.ExecutionMetric{
		MetricID:        uuid.New().String(),
		OrderID:         order.OrderID,
		RecordedAt:      time.Now().UTC(),
		Duration:        res.ExecutionTime,
		Success:         res.Success,
		Method:          res.ExecutionMethod,
		Category:        res.TransactionType,
		Endpoint:        res.Endpoint,
		ValueTransacted: order.ValueTransacted,
		FeesPaid:        order.FeesPaid,
		Slippage:        order.Slippage,
		Error:           res.Error,
	}
	if m.Method == "" && len(res.MethodsTried) > 0 {
		m.Method = res.MethodsTried[len(res.MethodsTried)-1]
	}
	if m.Method == "" {
		m.Method = order.Signal.Method
	}
	if m.Category == "" {
		m.Category = order.Signal.Type()
	}

	r.add(m)

	select {
	case r.pending <- m:
	default:
		r.logger.Warn("Metric buffer full, dropping persisted copy",
			zap.String("order_id", m.OrderID),
			zap.String("metric_id", m.MetricID))
	}
	return m
}

func (r *Recorder) add(m model.ExecutionMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totals.add(m)

	method, ok := r.methods[m.Method]
	if !ok {
		method = newAggregate()
		r.methods[m.Method] = method
	}
	method.add(m)

	for _, w := range r.windows {
		w.push(m)
	}
}

// WindowPerformance aggregates the metrics inside one rolling window.
func (r *Recorder) WindowPerformance(w Window) (Performance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.windows[w]
	if !ok {
		return Performance{}, false
	}
	return rw.performance(time.Now()), true
}

// MethodPerformance returns the totals of every method seen so far.
func (r *Recorder) MethodPerformance() map[string]Performance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Performance, len(r.methods))
	for name, agg := range r.methods {
		out[name] = agg.performance()
	}
	return out
}

func (r *Recorder) Summary() Summary {
	methods := r.MethodPerformance()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windows := make(map[Window]Performance, len(r.windows))
	for name, rw := range r.windows {
		windows[name] = rw.performance(now)
	}
	return Summary{Totals: r.totals.performance(), Windows: windows, Methods: methods}
}

// Load warms the aggregates from metrics stored within the longest window.
func (r *Recorder) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	stored, err := r.store.LoadMetricsSince(ctx, time.Now().Add(-WindowDay.Span()))
	if err != nil {
		return err
	}

	sort.SliceStable(stored, func(i, j int) bool { return stored[i].RecordedAt.Before(stored[j].RecordedAt) })
	for _, m := range stored {
		r.add(m)
	}

	r.logger.Info("Loaded execution metrics", zap.Int("count", len(stored)))
	return nil
}

// Purge deletes stored metrics older than the retention horizon and prunes
// the windows.
func (r *Recorder) Purge(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	for _, rw := range r.windows {
		rw.prune(now)
	}
	r.mu.Unlock()

	if r.store == nil {
		return
	}
	if _, err := r.store.PurgeMetricsBefore(ctx, now.Add(-r.cfg.Retention)); err != nil {
		r.logger.Error("Failed to purge execution metrics", zap.Error(err))
	}
}

// Run writes recorded metrics to the store and sink and runs the retention
// job until ctx is done. Metrics still buffered at that point are flushed.
func (r *Recorder) Run(ctx context.Context) {
	s := gocron.NewScheduler()
	s.Every(uint64(r.cfg.PurgeIntervalMinutes)).Minutes().Do(r.Purge, ctx)
	stopped := s.Start()
	defer func() { stopped <- true }()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []model.ExecutionMetric
	flush := func() {
		if len(batch) == 0 || r.sink == nil {
			batch = batch[:0]
			return
		}
		if err := r.sink.WriteMetrics(batch); err != nil {
			r.logger.Warn("Failed to ship execution metrics", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case m := <-r.pending:
			r.persist(m)
			batch = append(batch, m)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case m := <-r.pending:
					r.persist(m)
					batch = append(batch, m)
				default:
					flush()
					r.logger.Info("Metrics recorder stopped")
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(m model.ExecutionMetric) {
	if r.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.InsertMetric(ctx, m); err != nil {
		r.logger.Warn("Failed to persist execution metric",
			zap.String("metric_id", m.MetricID),
			zap.String("order_id", m.OrderID),
			zap.Error(err))
	}
}
