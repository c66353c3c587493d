package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/metrics"
	"tradeexec/apps/executor/internal/model"
	"tradeexec/apps/executor/internal/scheduler"
)

// Scheduler is implemented by *scheduler.Scheduler
type Scheduler interface {
	Submit(ctx context.Context, signal model.Signal) (string, error)
	Cancel(ctx context.Context, orderID string) (*model.Order, error)
	Pause()
	Resume()
	Stats() scheduler.Stats
}

// Orders is implemented by *orders.Manager
type Orders interface {
	Get(ctx context.Context, orderID string) (*model.Order, error)
	ListByStatus(ctx context.Context, status model.OrderStatus, limit int) ([]*model.Order, error)
	ListRecent(ctx context.Context, limit int) ([]*model.Order, error)
	Stats() model.OrderStats
}

// Endpoints is implemented by *endpoint.Manager
type Endpoints interface {
	Statuses() []model.EndpointStatus
	Primary() string
}

// Metrics is implemented by *metrics.Recorder
type Metrics interface {
	Summary() metrics.Summary
	MethodPerformance() map[string]metrics.Performance
	WindowPerformance(w metrics.Window) (metrics.Performance, bool)
}

// Server represents the operator API server
type Server struct {
	orderHandler  *OrderHandler
	statusHandler *StatusHandler
	logger        *zap.Logger
	server        *http.Server
}

// NewServer creates a new API server
func NewServer(port int, sched Scheduler, orders Orders, endpoints Endpoints, recorder Metrics, logger *zap.Logger) *Server {
	return &Server{
		orderHandler:  NewOrderHandler(sched, orders, logger),
		statusHandler: NewStatusHandler(sched, orders, endpoints, recorder, logger),
		logger:        logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.server.Handler = s.Handler()

	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()

	// Signal and order endpoints
	api.HandleFunc("/signals", s.orderHandler.SubmitSignal).Methods("POST")
	api.HandleFunc("/orders", s.orderHandler.ListOrders).Methods("GET")
	api.HandleFunc("/orders/{order_id}", s.orderHandler.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{order_id}/cancel", s.orderHandler.CancelOrder).Methods("POST")

	// Operational state
	api.HandleFunc("/endpoints", s.statusHandler.GetEndpoints).Methods("GET")
	api.HandleFunc("/metrics", s.statusHandler.GetMetrics).Methods("GET")
	api.HandleFunc("/metrics/methods", s.statusHandler.GetMethodMetrics).Methods("GET")
	api.HandleFunc("/metrics/windows/{window}", s.statusHandler.GetWindowMetrics).Methods("GET")
	api.HandleFunc("/scheduler/pause", s.statusHandler.PauseScheduler).Methods("POST")
	api.HandleFunc("/scheduler/resume", s.statusHandler.ResumeScheduler).Methods("POST")

	api.HandleFunc("/health", s.statusHandler.HealthCheck).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSONResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func writeErrorResponse(w http.ResponseWriter, logger *zap.Logger, statusCode int, errorCode, message string) {
	writeJSONResponse(w, logger, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// writeDomainError maps an execerr kind onto an HTTP status.
func writeDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := execerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case execerr.KindValidation:
		status = http.StatusBadRequest
	case execerr.KindNotFound:
		status = http.StatusNotFound
	case execerr.KindDuplicateOrder, execerr.KindInvalidTransition:
		status = http.StatusConflict
	default:
		logger.Error("Request failed", zap.Error(err))
	}
	writeErrorResponse(w, logger, status, kind.String(), err.Error())
}
