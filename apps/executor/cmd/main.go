package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"tradeexec/apps/executor/internal/api"
	"tradeexec/apps/executor/internal/builder"
	"tradeexec/apps/executor/internal/config"
	"tradeexec/apps/executor/internal/endpoint"
	"tradeexec/apps/executor/internal/event_publisher"
	"tradeexec/apps/executor/internal/executor"
	"tradeexec/apps/executor/internal/guard"
	"tradeexec/apps/executor/internal/metrics"
	"tradeexec/apps/executor/internal/model"
	"tradeexec/apps/executor/internal/orders"
	"tradeexec/apps/executor/internal/repository"
	"tradeexec/apps/executor/internal/scheduler"
	"tradeexec/apps/executor/internal/signal_consumer"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting order executor with configuration",
		zap.String("db_driver", cfg.DBDriver),
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Int("methods", len(cfg.Methods)),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.Int("max_concurrent_executions", cfg.MaxConcurrentExecutions),
		zap.Duration("execution_timeout", cfg.ExecutionTimeout),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Int("api_port", cfg.APIPort),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	db, err := repository.Open(startCtx, cfg.DBDriver, cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := repository.InitMigration(startCtx, db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	orderRepository := repository.NewOrderRepository(db, logger)
	outboxRepository := repository.NewOutboxRepository(db, logger)
	metricRepository := repository.NewMetricRepository(db, logger)

	endpointManager := endpoint.NewManager(cfg.Endpoints, endpoint.Config{
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		RecoveryInterval:        cfg.RecoveryInterval,
		HealthCheckInterval:     cfg.HealthCheckInterval,
		HealthMethod:            cfg.HealthMethod,
	}, nil, logger)
	defer endpointManager.Close()

	builderEndpoint := cfg.Endpoints[0]
	if cfg.BuilderURL != "" {
		builderEndpoint = model.EndpointConfig{Name: "builder", URL: cfg.BuilderURL, Timeout: 10 * time.Second}
	}
	txBuilder, err := builder.NewRPCBuilder(startCtx, builderEndpoint, cfg.BuilderMethod, nil, logger)
	if err != nil {
		logger.Fatal("Failed to create transaction builder", zap.Error(err))
	}
	defer txBuilder.Close()

	txExecutor := executor.NewExecutor(executor.Config{
		PreferredMethod: cfg.PreferredMethod,
		FallbackMethods: cfg.FallbackMethods,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
		StatusMethod:    cfg.StatusMethod,
	}, cfg.Methods, endpointManager, txBuilder, logger)

	orderManager := orders.NewManager(orderRepository, orders.Config{
		MaxAttempts:   cfg.MaxAttempts,
		OrderTimeout:  cfg.OrderTimeout,
		SweepInterval: cfg.SweepInterval,
	}, logger)

	var sink metrics.Sink
	if cfg.InfluxDBURL != "" {
		influxSink, err := metrics.NewInfluxSink(cfg.InfluxDBURL, cfg.InfluxDBDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to create InfluxDB sink", zap.Error(err))
		}
		defer influxSink.Close()
		sink = influxSink
	}
	recorder := metrics.NewRecorder(metrics.Config{
		Retention:            cfg.MetricsRetention,
		PurgeIntervalMinutes: cfg.MetricsPurgeIntervalMinutes,
	}, metricRepository, sink, logger)
	if err := recorder.Load(startCtx); err != nil {
		logger.Error("Failed to warm execution metrics", zap.Error(err))
	}

	var idempotency guard.Guard
	if cfg.RedisAddr != "" {
		redisGuard, err := guard.NewRedisGuard(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.IdempotencyTTL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisGuard.Close()
		idempotency = redisGuard
	} else {
		idempotency = guard.NewMemoryGuard(cfg.IdempotencyTTL)
	}

	sched := scheduler.NewScheduler(scheduler.Config{
		MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
		ExecutionTimeout:        cfg.ExecutionTimeout,
		RetryDelay:              cfg.RetryDelay,
	}, orderManager, txExecutor, recorder, idempotency, logger)

	recovered, err := orderManager.Load(startCtx)
	if err != nil {
		logger.Fatal("Failed to load orders", zap.Error(err))
	}
	sched.Restore(startCtx, recovered)

	// Background workers share one context; the scheduler and API stop first.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	var bg sync.WaitGroup
	runBackground := func(fn func(ctx context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(bgCtx)
		}()
	}

	runBackground(recorder.Run)
	runBackground(endpointManager.Run)
	runBackground(orderManager.Run)

	sched.Start()

	var (
		publisher *event_publisher.EventPublisher
		consumer  *signal_consumer.SignalConsumer
	)
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	consumerDone := make(chan struct{})

	if cfg.KafkaBroker != "" {
		publisher, err = event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaEventsTopic, outboxRepository, logger)
		if err != nil {
			logger.Fatal("Failed to create event publisher", zap.Error(err))
		}
		defer publisher.Close()
		runBackground(publisher.StartPublishing)

		consumer, err = signal_consumer.NewSignalConsumer(cfg.KafkaBroker, cfg.KafkaSignalsTopic, cfg.KafkaGroupID, sched, logger)
		if err != nil {
			logger.Fatal("Failed to create signal consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			defer close(consumerDone)
			if err := consumer.Start(consumerCtx); err != nil {
				logger.Fatal("Signal consumer failed", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKER not set, order events stay in the outbox and signals are accepted over HTTP only")
		close(consumerDone)
	}

	apiServer := api.NewServer(cfg.APIPort, sched, orderManager, endpointManager, recorder, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then let running executions finish.
	if err := apiServer.Stop(ctx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	cancelConsumer()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		logger.Error("Signal consumer did not stop in time")
	}

	if err := sched.Stop(ctx); err != nil {
		logger.Error("Error stopping scheduler", zap.Error(err))
	}

	cancelBg()
	bgDone := make(chan struct{})
	go func() {
		bg.Wait()
		close(bgDone)
	}()
	select {
	case <-bgDone:
	case <-ctx.Done():
		logger.Error("Background workers did not stop in time")
	}

	logger.Info("Application shutdown complete")
}
