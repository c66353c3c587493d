package metrics

import (
	"time"

	"github.com/shopspring/decimal"
	"tradeexec/apps/executor/internal/model"
)

// Performance summarises a set of execution metrics.
type Performance struct {
	Count         int64           `json:"count"`
	Successes     int64           `json:"successes"`
	Failures      int64           `json:"failures"`
	SuccessRate   float64         `json:"success_rate"`
	AvgDuration   time.Duration   `json:"avg_duration"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalSlippage decimal.Decimal `json:"total_slippage"`
}

type aggregate struct {
	count     int64
	successes int64
	duration  time.Duration
	value     decimal.Decimal
	fees      decimal.Decimal
	slippage  decimal.Decimal
}

func newAggregate() *aggregate {
	return &aggregate{value: decimal.Zero, fees: decimal.Zero, slippage: decimal.Zero}
}

func (a *aggregate) add(m model.ExecutionMetric) {
	a.count++
	a.duration += m.Duration
	if m.Success {
		a.successes++
	}
	if m.ValueTransacted.Valid {
		a.value = a.value.Add(m.ValueTransacted.Decimal)
	}
	if m.FeesPaid.Valid {
		a.fees = a.fees.Add(m.FeesPaid.Decimal)
	}
	if m.Slippage.Valid {
		a.slippage = a.slippage.Add(m.Slippage.Decimal)
	}
}

func (a *aggregate) performance() Performance {
	p := Performance{
		Count:         a.count,
		Successes:     a.successes,
		Failures:      a.count - a.successes,
		TotalValue:    a.value,
		TotalFees:     a.fees,
		TotalSlippage: a.slippage,
	}
	if a.count > 0 {
		p.SuccessRate = float64(a.successes) / float64(a.count)
		p.AvgDuration = a.duration / time.Duration(a.count)
	}
	return p
}
