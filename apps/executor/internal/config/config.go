package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
	"tradeexec/apps/executor/internal/model"
)

const (
	MethodDirect = "direct"
	MethodBundle = "bundle"

	FeatureBundledSubmission = "bundled-submission"
)

type Config struct {
	DBDriver      string `envconfig:"DB_DRIVER" default:"sqlite"`
	DbURL         string `envconfig:"DB_URL" default:"executor.db"`
	EndpointsFile string `envconfig:"ENDPOINTS_FILE" default:"endpoints.yaml"`
	RpcURL        string `envconfig:"RPC_URL"`

	KafkaBroker       string `envconfig:"KAFKA_BROKER"`
	KafkaEventsTopic  string `envconfig:"KAFKA_EVENTS_TOPIC" default:"order-events"`
	KafkaSignalsTopic string `envconfig:"KAFKA_SIGNALS_TOPIC" default:"trade-signals"`
	KafkaGroupID      string `envconfig:"KAFKA_GROUP_ID" default:"order-executor"`

	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	InfluxDBURL      string `envconfig:"INFLUXDB_URL"`
	InfluxDBDatabase string `envconfig:"INFLUXDB_DATABASE" default:"executor"`

	APIPort int `envconfig:"API_PORT" default:"8080"`

	MaxConcurrentExecutions int           `envconfig:"MAX_CONCURRENT_EXECUTIONS" default:"5"`
	ExecutionTimeout        time.Duration `envconfig:"EXECUTION_TIMEOUT" default:"30s"`
	RetryDelay              time.Duration `envconfig:"RETRY_DELAY" default:"5s"`
	MaxRetries              int           `envconfig:"MAX_RETRIES" default:"2"`
	MaxAttempts             int           `envconfig:"MAX_ATTEMPTS" default:"3"`

	CircuitBreakerThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"3"`
	RecoveryInterval        time.Duration `envconfig:"RECOVERY_INTERVAL" default:"300s"`
	HealthCheckInterval     time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"30s"`
	HealthMethod            string        `envconfig:"HEALTH_METHOD" default:"eth_blockNumber"`
	StatusMethod            string        `envconfig:"STATUS_METHOD" default:"eth_getTransactionByHash"`

	BuilderURL    string `envconfig:"BUILDER_URL"`
	BuilderMethod string `envconfig:"BUILDER_METHOD" default:"builder_buildTransaction"`

	PreferredMethod string   `envconfig:"PREFERRED_METHOD" default:"direct"`
	FallbackMethods []string `envconfig:"FALLBACK_METHODS" default:"bundle"`

	OrderTimeout  time.Duration `envconfig:"ORDER_TIMEOUT" default:"5m"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`

	MetricsRetention            time.Duration `envconfig:"METRICS_RETENTION" default:"168h"`
	MetricsPurgeIntervalMinutes int           `envconfig:"METRICS_PURGE_INTERVAL_MINUTES" default:"60"`

	Endpoints []model.EndpointConfig `ignored:"true"`
	Methods   []model.MethodConfig   `ignored:"true"`
}

// poolFile is the layout of ENDPOINTS_FILE.
type poolFile struct {
	Endpoints []model.EndpointConfig `yaml:"endpoints"`
	Methods   []model.MethodConfig   `yaml:"methods"`
}

// NewConfig loads configuration from the environment, an optional .env file
// and the endpoint pool file.
func NewConfig() (*Config, error) {
	// A missing .env is fine, the environment may already be populated
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration from environment: %w", err)
	}

	if err := cfg.loadPool(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) loadPool() error {
	data, err := os.ReadFile(c.EndpointsFile)
	switch {
	case err == nil:
		var pool poolFile
		if err := yaml.Unmarshal(data, &pool); err != nil {
			return fmt.Errorf("failed to parse endpoints file %s: %w", c.EndpointsFile, err)
		}
		c.Endpoints = pool.Endpoints
		c.Methods = pool.Methods
	case errors.Is(err, os.ErrNotExist):
		// fall back to a single endpoint from RPC_URL
	default:
		return fmt.Errorf("failed to read endpoints file %s: %w", c.EndpointsFile, err)
	}

	if len(c.Endpoints) == 0 && c.RpcURL != "" {
		c.Endpoints = []model.EndpointConfig{{Name: "primary", URL: c.RpcURL, Priority: 1}}
	}

	for i := range c.Endpoints {
		if c.Endpoints[i].Timeout <= 0 {
			c.Endpoints[i].Timeout = 10 * time.Second
		}
	}

	if len(c.Methods) == 0 {
		c.Methods = DefaultMethods()
	}

	return nil
}

// DefaultMethods returns the built-in submission methods.
func DefaultMethods() []model.MethodConfig {
	return []model.MethodConfig{
		{Name: MethodDirect, RPCMethod: "eth_sendRawTransaction"},
		{Name: MethodBundle, RPCMethod: "eth_sendBundle", Features: []string{FeatureBundledSubmission}, Bundle: true},
	}
}

func (c *Config) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_EXECUTIONS must be positive, got %d", c.MaxConcurrentExecutions)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be positive")
	}
	if c.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be positive, got %d", c.CircuitBreakerThreshold)
	}
	if c.HealthCheckInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL and SWEEP_INTERVAL must be positive")
	}
	if c.MetricsPurgeIntervalMinutes <= 0 {
		return fmt.Errorf("METRICS_PURGE_INTERVAL_MINUTES must be positive")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured: set ENDPOINTS_FILE or RPC_URL")
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return fmt.Errorf("endpoint entries need a name and url")
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
	}

	methods := make(map[string]bool, len(c.Methods))
	for _, m := range c.Methods {
		methods[m.Name] = true
	}
	if !methods[c.PreferredMethod] {
		return fmt.Errorf("PREFERRED_METHOD %q is not a configured method", c.PreferredMethod)
	}
	for _, m := range c.FallbackMethods {
		if !methods[m] {
			return fmt.Errorf("fallback method %q is not a configured method", m)
		}
	}

	return nil
}
