// Package main provides the outbox relay service entry point.
// It publishes committed inventory events from the outbox table to Kafka.
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
	"github.com/drfirst/go-dispensary/internal/observability/metrics"
	"github.com/drfirst/go-dispensary/internal/observability/tracing"
	"github.com/drfirst/go-dispensary/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

const (
	statsInterval   = 15 * time.Second
	cleanupInterval = time.Hour
	// processedRetention is how long published rows stay for inspection.
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load(config.WithoutAuth())
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.DriverPostgres {
		fmt.Fprintln(os.Stderr, "the outbox relay requires STORE_DRIVER=postgres")
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
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.WithCounter(m.KafkaMessagesProduced)

	ensureTopics(ctx, cfg.KafkaBrokers, logger)
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	breakerCfg := circuitbreaker.DefaultConfig("redpanda-producer")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.BreakerStateChanged(name, to.Level())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, circuitbreaker.Guard(producer, breaker), outboxCfg, m, logger)

	ops := bootstrap.OpsServer(serviceName, cfg.MetricsPort,
		func(ctx context.Context) error {
			if breaker.GetState() == circuitbreaker.StateOpen {
				return errors.New("broker circuit open")
			}
			return pool.Ping(ctx)
		},
		func(ctx context.Context) (any, error) {
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"outbox":   stats,
				"producer": producer.Stats(),
				"breaker":  breaker.GetState(),
			}, nil
		})
	go func() {
		if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	outbox.Start()
	logger.Info("outbox relay started")

	loopCtx, stopLoops := context.WithCancel(ctx)
	go maintain(loopCtx, outbox, m, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopLoops()
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

// maintain keeps the pending gauge current and prunes published rows.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			s, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(s.Pending))
		case <-cleanup.C:
			n, err := outbox.CleanupProcessed(ctx, processedRetention)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned published outbox rows", zap.Int64("count", n))
			}
		}
	}
}

func ensureTopics(ctx context.Context, brokers []string, logger *zap.Logger) {
	admin, err := redpanda.NewAdmin(brokers, logger)
	if err != nil {
		logger.Warn("topic admin unavailable", zap.Error(err))
		return
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
}
