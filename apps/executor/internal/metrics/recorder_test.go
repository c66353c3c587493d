package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/executor"
	"tradeexec/apps/executor/internal/model"
	"tradeexec/apps/executor/internal/repository"
)

type captureSink struct {
	mu      sync.Mutex
	written []model.ExecutionMetric
}

func (s *captureSink) WriteMetrics(metrics []model.ExecutionMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, metrics...)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

type RecorderTestSuite struct {
	suite.Suite
	db       *repository.DB
	store    *repository.MetricRepository
	sink     *captureSink
	recorder *Recorder
}

func (s *RecorderTestSuite) SetupTest() {
	ctx := context.Background()
	db, err := repository.Open(ctx, "sqlite", filepath.Join(s.T().TempDir(), "metrics.db"))
	s.Require().NoError(err)
	s.Require().NoError(repository.InitMigration(ctx, db))

	s.db = db
	s.store = repository.NewMetricRepository(db, zap.NewNop())
	s.sink = &captureSink{}
	s.recorder = NewRecorder(Config{
		Retention:            time.Hour,
		PurgeIntervalMinutes: 60,
		FlushInterval:        20 * time.Millisecond,
	}, s.store, s.sink, zap.NewNop())
}

func (s *RecorderTestSuite) TearDownTest() {
	s.db.Close()
}

func testOrder(id string) *model.Order {
	return &model.Order{
		OrderID: id,
		Signal:  model.Signal{Action: "buy", Market: "ETH-USDC", Size: decimal.NewFromInt(1)},
	}
}

func (s *RecorderTestSuite) TestRecordUpdatesAggregates() {
	completed := testOrder("order-1")
	completed.ValueTransacted = decimal.NewNullDecimal(decimal.NewFromInt(100))
	completed.FeesPaid = decimal.NewNullDecimal(decimal.RequireFromString("0.5"))

	s.recorder.Record(completed, &executor.Result{Success: true, ExecutionMethod: "direct", TransactionType: "swap", ExecutionTime: 100 * time.Millisecond})
	s.recorder.Record(testOrder("order-2"), &executor.Result{Success: true, ExecutionMethod: "direct", TransactionType: "swap", ExecutionTime: 300 * time.Millisecond})
	m := s.recorder.Record(testOrder("order-3"), &executor.Result{Success: false, MethodsTried: []string{"direct", "bundle"}, Error: "boom", ExecutionTime: 200 * time.Millisecond})

	s.Equal("bundle", m.Method)
	s.Equal("swap", m.Category)
	s.Equal("boom", m.Error)

	summary := s.recorder.Summary()
	s.EqualValues(3, summary.Totals.Count)
	s.EqualValues(2, summary.Totals.Successes)
	s.InDelta(2.0/3.0, summary.Totals.SuccessRate, 1e-9)
	s.Equal(200*time.Millisecond, summary.Totals.AvgDuration)
	s.True(summary.Totals.TotalValue.Equal(decimal.NewFromInt(100)))
	s.True(summary.Totals.TotalFees.Equal(decimal.RequireFromString("0.5")))

	methods := s.recorder.MethodPerformance()
	s.EqualValues(2, methods["direct"].Count)
	s.Equal(1.0, methods["direct"].SuccessRate)
	s.EqualValues(1, methods["bundle"].Failures)

	for _, w := range Windows {
		perf, ok := s.recorder.WindowPerformance(w)
		s.True(ok)
		s.EqualValues(3, perf.Count, string(w))
	}
	_, ok := s.recorder.WindowPerformance(Window("2w"))
	s.False(ok)
}

func (s *RecorderTestSuite) TestWindowsDropExpiredRecords() {
	now := time.Now()
	s.recorder.add(model.ExecutionMetric{MetricID: "old", RecordedAt: now.Add(-2 * time.Hour), Method: "direct", Success: true})
	s.recorder.add(model.ExecutionMetric{MetricID: "mid", RecordedAt: now.Add(-3 * time.Minute), Method: "direct", Success: true})
	s.recorder.add(model.ExecutionMetric{MetricID: "new", RecordedAt: now, Method: "direct", Success: false})

	minute, _ := s.recorder.WindowPerformance(WindowMinute)
	s.EqualValues(1, minute.Count)
	s.Zero(minute.SuccessRate)

	five, _ := s.recorder.WindowPerformance(WindowFiveMinute)
	s.EqualValues(2, five.Count)

	hour, _ := s.recorder.WindowPerformance(WindowHour)
	s.EqualValues(2, hour.Count)

	day, _ := s.recorder.WindowPerformance(WindowDay)
	s.EqualValues(3, day.Count)
}

func (s *RecorderTestSuite) TestWindowCapacityIsBounded() {
	rw := newRollingWindow(WindowMinute)
	now := time.Now()
	for i := 0; i < windowCapacity[WindowMinute]+10; i++ {
		rw.push(model.ExecutionMetric{RecordedAt: now})
	}
	s.EqualValues(windowCapacity[WindowMinute], rw.performance(now).Count)
}

func (s *RecorderTestSuite) TestRecordNeverBlocks() {
	r := NewRecorder(Config{BufferSize: 1}, s.store, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			r.Record(testOrder("order"), &executor.Result{Success: true, ExecutionMethod: "direct"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("Record blocked without a running writer")
	}
	s.EqualValues(50, r.Summary().Totals.Count)
}

func (s *RecorderTestSuite) TestRunPersistsAndShips() {
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		s.recorder.Run(ctx)
		close(finished)
	}()

	s.recorder.Record(testOrder("order-1"), &executor.Result{Success: true, ExecutionMethod: "direct"})
	s.recorder.Record(testOrder("order-1"), &executor.Result{Success: false, ExecutionMethod: "bundle", Error: "boom"})

	s.Eventually(func() bool {
		stored, err := s.store.ListMetricsForOrder(context.Background(), "order-1")
		return err == nil && len(stored) == 2
	}, 2*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool { return s.sink.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-finished
}

func (s *RecorderTestSuite) TestLoadAndPurge() {
	ctx := context.Background()
	now := time.Now().UTC()
	s.Require().NoError(s.store.InsertMetric(ctx, model.ExecutionMetric{MetricID: "ancient", OrderID: "o", RecordedAt: now.Add(-48 * time.Hour), Method: "direct", Category: "swap"}))
	s.Require().NoError(s.store.InsertMetric(ctx, model.ExecutionMetric{MetricID: "recent", OrderID: "o", RecordedAt: now.Add(-30 * time.Second), Method: "direct", Category: "swap", Success: true}))

	s.Require().NoError(s.recorder.Load(ctx))
	summary := s.recorder.Summary()
	s.EqualValues(1, summary.Totals.Count)
	s.EqualValues(1, summary.Windows[WindowMinute].Count)

	s.recorder.Purge(ctx)
	remaining, err := s.store.ListMetricsForOrder(ctx, "o")
	s.Require().NoError(err)
	s.Len(remaining, 1)
	s.Equal("recent", remaining[0].MetricID)
}

func (s *RecorderTestSuite) TestInfluxSinkWritesLineProtocol() {
	var body string
	var db string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		db = r.URL.Query().Get("db")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := NewInfluxSink(server.URL, "executor", zap.NewNop())
	s.Require().NoError(err)
	defer sink.Close()

	err = sink.WriteMetrics([]model.ExecutionMetric{{
		OrderID:    "order-1",
		RecordedAt: time.Now(),
		Duration:   1500 * time.Millisecond,
		Success:    true,
		Method:     "direct",
		Category:   "swap",
		Endpoint:   "alpha",
		FeesPaid:   decimal.NewNullDecimal(decimal.RequireFromString("0.25")),
	}})
	s.Require().NoError(err)

	s.Equal("executor", db)
	s.True(strings.HasPrefix(body, "order_execution,"))
	s.Contains(body, "method=direct")
	s.Contains(body, "endpoint=alpha")
	s.Contains(body, "duration_ms=1500")
	s.Contains(body, "fees=0.25")
}

func TestRecorder(t *testing.T) {
	suite.Run(t, new(RecorderTestSuite))
}
