package test

import (
	"net/http"
	"os"
	"testing"
	"time"
)

const (
	// Default address of a running executor
	DefaultBaseURL = "http://localhost:8080"

	TestMarket = "ETH-USDC"
	TestAction = "buy"
	TestSize   = "0.5"
)

// BaseURL returns the executor under test, EXECUTOR_URL if set.
func BaseURL() string {
	if url := os.Getenv("EXECUTOR_URL"); url != "" {
		return url
	}
	return DefaultBaseURL
}

// requireServer skips the test when no executor is listening.
func requireServer(t *testing.T) {
	t.Helper()
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(BaseURL() + "/api/health")
	if err != nil {
		t.Skipf("executor not reachable at %s: %v", BaseURL(), err)
	}
	resp.Body.Close()
}

// SignalRequest is the body of POST /api/signals
type SignalRequest struct {
	Action         string `json:"action"`
	Market         string `json:"market"`
	Size           string `json:"size"`
	Method         string `json:"method,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubmitResponse represents the response of POST /api/signals
type SubmitResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// OrderResponse represents the API response for order information
type OrderResponse struct {
	OrderID           string `json:"order_id"`
	Status            string `json:"status"`
	ExecutionAttempts int    `json:"execution_attempts"`
	MaxAttempts       int    `json:"max_attempts"`
	ExecutionMethod   string `json:"execution_method"`
	TxHash            string `json:"tx_hash"`
	Error             string `json:"error"`
}

// EndpointResponse represents one entry of GET /api/endpoints
type EndpointResponse struct {
	Name                string `json:"name"`
	Health              string `json:"health"`
	Priority            int    `json:"priority"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// EndpointsResponse represents the API response for the endpoint pool
type EndpointsResponse struct {
	Primary   string             `json:"primary"`
	Endpoints []EndpointResponse `json:"endpoints"`
}

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
