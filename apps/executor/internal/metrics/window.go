package metrics

import (
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"tradeexec/apps/executor/internal/model"
)

type Window string

const (
	WindowMinute     Window = "1m"
	WindowFiveMinute Window = "5m"
	WindowHour       Window = "1h"
	WindowDay        Window = "1d"
)

// Windows lists the rolling windows from shortest to longest.
var Windows = []Window{WindowMinute, WindowFiveMinute, WindowHour, WindowDay}

var windowSpans = map[Window]time.Duration{
	WindowMinute:     time.Minute,
	WindowFiveMinute: 5 * time.Minute,
	WindowHour:       time.Hour,
	WindowDay:        24 * time.Hour,
}

var windowCapacity = map[Window]int{
	WindowMinute:     1000,
	WindowFiveMinute: 5000,
	WindowHour:       20000,
	WindowDay:        100000,
}

func (w Window) Valid() bool {
	_, ok := windowSpans[w]
	return ok
}

func (w Window) Span() time.Duration {
	return windowSpans[w]
}

// rollingWindow keeps the most recent metrics bounded by count and age. Once
// full, the oldest record is overwritten.
type rollingWindow struct {
	span   time.Duration
	buffer *circularbuffer.Queue
}

func newRollingWindow(w Window) *rollingWindow {
	return &rollingWindow{span: windowSpans[w], buffer: circularbuffer.New(windowCapacity[w])}
}

func (r *rollingWindow) push(m model.ExecutionMetric) {
	r.buffer.Enqueue(m)
}

// prune drops records older than the span relative to now. Records arrive in
// time order so only the head needs checking.
func (r *rollingWindow) prune(now time.Time) {
	cutoff := now.Add(-r.span)
	for {
		head, ok := r.buffer.Peek()
		if !ok || !head.(model.ExecutionMetric).RecordedAt.Before(cutoff) {
			return
		}
		r.buffer.Dequeue()
	}
}

func (r *rollingWindow) performance(now time.Time) Performance {
	r.prune(now)
	agg := newAggregate()
	for _, v := range r.buffer.Values() {
		agg.add(v.(model.ExecutionMetric))
	}
	return agg.performance()
}
