// Package main provides the stock alert service entry point. It consumes
// inventory events, records low-stock notifications and mirrors them onto
// the notifications topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-dispensary/internal/bootstrap"
	"github.com/drfirst/go-dispensary/internal/config"
	"github.com/drfirst/go-dispensary/internal/infrastructure/postgres"
	"github.com/drfirst/go-dispensary/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dispensary/internal/notification"
	"github.com/drfirst/go-dispensary/internal/observability/metrics"
	"github.com/drfirst/go-dispensary/internal/observability/tracing"
	"github.com/drfirst/go-dispensary/pkg/circuitbreaker"
	"github.com/drfirst/go-dispensary/pkg/idempotency"
	"github.com/drfirst/go-dispensary/pkg/workerpool"
)

const serviceName = "notification-service"

func main() {
	cfg, err := config.Load(config.WithoutAuth())
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		fmt.Fprintln(os.Stderr, "the notification service requires STORE_DRIVER=postgres")
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.OTelEnabled
	tcfg.OTLPEndpoint = cfg.OTelEndpoint
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := bootstrap.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	producer.WithCounter(m.KafkaMessagesProduced)

	breakerCfg := circuitbreaker.DefaultConfig("notification-broadcast")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.BreakerStateChanged(name, to.Level())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	broadcaster, err := notification.NewBroadcaster(circuitbreaker.Guard(producer, breaker),
		redpanda.TopicNotifications, workerpool.DefaultConfig(), logger)
	if err != nil {
		logger.Fatal("broadcaster creation failed", zap.Error(err))
	}
	broadcaster.Start()

	svc := notification.NewService(postgres.NewNotificationStore(pool, logger),
		notification.Config{LowStockThreshold: cfg.LowStockThreshold}, m, logger.Named("notification"))
	events := notification.NewEventConsumer(svc, inbox, broadcaster, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		return events.Handle(ctx, msg.Value)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.WithCounter(m.KafkaMessagesConsumed)
	consumer.Start()

	logger.Info("notification service started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("low_stock_threshold", cfg.LowStockThreshold))

	ops := bootstrap.OpsServer(serviceName, cfg.MetricsPort,
		func(ctx context.Context) error {
			if !broadcaster.IsHealthy() {
				return errors.New("broadcast queue saturated")
			}
			return pool.Ping(ctx)
		},
		func(ctx context.Context) (any, error) {
			inboxStats, err := inbox.GetStats(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"consumer":  consumer.Stats(),
				"broadcast": broadcaster.Stats(),
				"inbox":     inboxStats,
			}, nil
		})
	go func() {
		if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	if err := broadcaster.Stop(); err != nil {
		logger.Error("broadcaster stop error", zap.Error(err))
	}
	producer.Close()
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("notification service stopped")
}
