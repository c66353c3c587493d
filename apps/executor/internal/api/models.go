package api

import (
	"time"

	"tradeexec/apps/executor/internal/metrics"
	"tradeexec/apps/executor/internal/model"
	"tradeexec/apps/executor/internal/scheduler"
)

// SubmitSignalResponse is returned by POST /api/signals
type SubmitSignalResponse struct {
	OrderID string            `json:"order_id"`
	Status  model.OrderStatus `json:"status"`
}

// OrderListResponse represents a page of orders
type OrderListResponse struct {
	Orders []*model.Order `json:"orders"`
	Count  int            `json:"count"`
}

// EndpointsResponse represents the endpoint pool state
type EndpointsResponse struct {
	Primary   string                 `json:"primary"`
	Endpoints []model.EndpointStatus `json:"endpoints"`
}

// MetricsResponse combines order statistics with the execution metrics summary
type MetricsResponse struct {
	Orders    model.OrderStats `json:"orders"`
	Execution metrics.Summary  `json:"execution"`
	Scheduler scheduler.Stats  `json:"scheduler"`
}

// WindowResponse represents the performance of one rolling window
type WindowResponse struct {
	Window      metrics.Window      `json:"window"`
	Performance metrics.Performance `json:"performance"`
}

// HealthResponse represents the health check payload
type HealthResponse struct {
	Status    string          `json:"status"`
	Time      time.Time       `json:"time"`
	Primary   string          `json:"primary_endpoint"`
	Scheduler scheduler.Stats `json:"scheduler"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
