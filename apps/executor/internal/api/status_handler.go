package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/metrics"
)

// StatusHandler exposes endpoint health, execution metrics and scheduler
// controls.
type StatusHandler struct {
	scheduler Scheduler
	orders    Orders
	endpoints Endpoints
	metrics   Metrics
	logger    *zap.Logger
}

func NewStatusHandler(scheduler Scheduler, orders Orders, endpoints Endpoints, recorder Metrics, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		scheduler: scheduler,
		orders:    orders,
		endpoints: endpoints,
		metrics:   recorder,
		logger:    logger,
	}
}

// GetEndpoints handles GET /api/endpoints
func (h *StatusHandler) GetEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.logger, http.StatusOK, EndpointsResponse{
		Primary:   h.endpoints.Primary(),
		Endpoints: h.endpoints.Statuses(),
	})
}

// GetMetrics handles GET /api/metrics
func (h *StatusHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.logger, http.StatusOK, MetricsResponse{
		Orders:    h.orders.Stats(),
		Execution: h.metrics.Summary(),
		Scheduler: h.scheduler.Stats(),
	})
}

// GetMethodMetrics handles GET /api/metrics/methods
func (h *StatusHandler) GetMethodMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.logger, http.StatusOK, h.metrics.MethodPerformance())
}

// GetWindowMetrics handles GET /api/metrics/windows/{window}
func (h *StatusHandler) GetWindowMetrics(w http.ResponseWriter, r *http.Request) {
	window := metrics.Window(mux.Vars(r)["window"])

	perf, ok := h.metrics.WindowPerformance(window)
	if !ok {
		writeErrorResponse(w, h.logger, http.StatusNotFound, "unknown_window", "Window must be one of 1m, 5m, 1h, 1d")
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, WindowResponse{Window: window, Performance: perf})
}

// PauseScheduler handles POST /api/scheduler/pause
func (h *StatusHandler) PauseScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Pause()
	writeJSONResponse(w, h.logger, http.StatusOK, h.scheduler.Stats())
}

// ResumeScheduler handles POST /api/scheduler/resume
func (h *StatusHandler) ResumeScheduler(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Resume()
	writeJSONResponse(w, h.logger, http.StatusOK, h.scheduler.Stats())
}

// HealthCheck handles GET /api/health
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	primary := h.endpoints.Primary()
	status := "healthy"
	if primary == "" {
		status = "degraded"
	}

	writeJSONResponse(w, h.logger, http.StatusOK, HealthResponse{
		Status:    status,
		Time:      time.Now().UTC(),
		Primary:   primary,
		Scheduler: h.scheduler.Stats(),
	})
}
