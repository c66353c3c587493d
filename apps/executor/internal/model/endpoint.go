package model

import (
	"time"
)

type HealthStatus string

const (
	HealthUnknown  HealthStatus = "UNKNOWN"
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthFailed   HealthStatus = "FAILED"
)

type EndpointConfig struct {
	Name       string        `yaml:"name" json:"name"`
	URL        string        `yaml:"url" json:"url"`
	Credential string        `yaml:"credential" json:"-"`
	Priority   int           `yaml:"priority" json:"priority"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	Features   []string      `yaml:"features" json:"features"`
}

// EndpointStatus is a point-in-time snapshot of an endpoint's health.
type EndpointStatus struct {
	Name                string        `json:"name"`
	URL                 string        `json:"url"`
	Priority            int           `json:"priority"`
	Timeout             time.Duration `json:"timeout"`
	Features            []string      `json:"features"`
	Health              HealthStatus  `json:"health"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastChecked         time.Time     `json:"last_checked"`
	LastLatency         time.Duration `json:"last_latency"`
	LastError           string        `json:"last_error,omitempty"`
}

func (s EndpointStatus) HasFeatures(required []string) bool {
	for _, r := range required {
		found := false
		for _, f := range s.Features {
			if f == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MethodConfig describes one way of submitting a transaction.
type MethodConfig struct {
	Name      string   `yaml:"name" json:"name"`
	RPCMethod string   `yaml:"rpc_method" json:"rpc_method"`
	Features  []string `yaml:"features" json:"features"`
	Bundle    bool     `yaml:"bundle" json:"bundle"` // wrap the payload as {"txs": [raw]}
}
