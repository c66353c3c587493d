package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

const defaultListLimit = 50

// OrderHandler handles signal submission and order queries
type OrderHandler struct {
	scheduler Scheduler
	orders    Orders
	logger    *zap.Logger
}

// NewOrderHandler creates a new OrderHandler
func NewOrderHandler(scheduler Scheduler, orders Orders, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		scheduler: scheduler,
		orders:    orders,
		logger:    logger,
	}
}

// SubmitSignal handles POST /api/signals
func (h *OrderHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var signal model.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}

	orderID, err := h.scheduler.Submit(r.Context(), signal)
	if err != nil {
		switch execerr.KindOf(err) {
		case execerr.KindValidation:
			// The order exists, as REJECTED.
			writeJSONResponse(w, h.logger, http.StatusUnprocessableEntity, struct {
				SubmitSignalResponse
				ErrorResponse
			}{
				SubmitSignalResponse{OrderID: orderID, Status: model.StatusRejected},
				ErrorResponse{Error: execerr.KindValidation.String(), Message: err.Error()},
			})
		case execerr.KindDuplicateOrder:
			// orderID names the order already holding the idempotency key.
			writeJSONResponse(w, h.logger, http.StatusConflict, struct {
				OrderID string `json:"order_id,omitempty"`
				ErrorResponse
			}{
				orderID,
				ErrorResponse{Error: execerr.KindDuplicateOrder.String(), Message: err.Error()},
			})
		default:
			writeDomainError(w, h.logger, err)
		}
		return
	}

	h.logger.Info("Accepted signal",
		zap.String("order_id", orderID),
		zap.String("market", signal.Market),
		zap.String("action", signal.Action))

	writeJSONResponse(w, h.logger, http.StatusAccepted, SubmitSignalResponse{OrderID: orderID, Status: model.StatusPending})
}

// GetOrder handles GET /api/orders/{order_id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	order, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, order)
}

// ListOrders handles GET /api/orders?status=&limit=
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorResponse(w, h.logger, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		orders []*model.Order
		err    error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		orders, err = h.orders.ListByStatus(r.Context(), model.OrderStatus(status), limit)
	} else {
		orders, err = h.orders.ListRecent(r.Context(), limit)
	}
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, OrderListResponse{Orders: orders, Count: len(orders)})
}

// CancelOrder handles POST /api/orders/{order_id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	order, err := h.scheduler.Cancel(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}

	writeJSONResponse(w, h.logger, http.StatusOK, order)
}
