package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/colefreeman/cole-ws/internal/application/service/aggregator"
	appmarketdata "github.com/colefreeman/cole-ws/internal/application/service/marketdata"
	"github.com/colefreeman/cole-ws/internal/config"
	"github.com/colefreeman/cole-ws/internal/domain/interfaces"
	"github.com/colefreeman/cole-ws/internal/infrastructure/broker"
	"github.com/colefreeman/cole-ws/internal/infrastructure/cache"
	inframarketdata "github.com/colefreeman/cole-ws/internal/infrastructure/marketdata"
	"github.com/colefreeman/cole-ws/internal/infrastructure/metrics"
	infrahttp "github.com/colefreeman/cole-ws/internal/interfaces/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const healthTimeout = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.StandardLogger().Fatalf("failed to load config: %v", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateAggregate(); err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repo, err := inframarketdata.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init marketdata repo: %v", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatalf("failed to prepare schema: %v", err)
	}

	var (
		redisClient   *redis.Client
		pressureCache interfaces.PressureCache
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		pressureCache = cache.NewPressureCache(redisClient, cfg.Cache.TTL)
	}

	pool := aggregator.NewPool(cfg.Consumer.Workers, nil)
	service := appmarketdata.NewService(pool, repo, pressureCache, logger, m)
	defer service.Close()

	batch := broker.BatchConfig{Size: cfg.Consumer.BatchSize, Timeout: cfg.Consumer.BatchTimeout}

	handler := infrahttp.NewHandler(service, infrahttp.Options{
		Cache:    redisClient,
		CacheTTL: cfg.Cache.APITTL,
		Gatherer: reg,
		Health: func() (bool, map[string]string) {
			hctx, hcancel := context.WithTimeout(context.Background(), healthTimeout)
			defer hcancel()
			details := map[string]string{"postgres": "ok"}
			ok := true
			if err := repo.Ping(hctx); err != nil {
				details["postgres"] = err.Error()
				ok = false
			}
			if redisClient != nil {
				details["redis"] = "ok"
				if err := redisClient.Ping(hctx).Err(); err != nil {
					details["redis"] = err.Error()
					ok = false
				}
			}
			return ok, details
		},
	})
	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		consumer, err := broker.NewRabbitConsumer(broker.RabbitConsumerConfig{
			URL:      cfg.Broker.Endpoints[0],
			Exchange: cfg.Broker.Topic,
			Queue:    cfg.Consumer.Group,
			Prefetch: cfg.Consumer.Prefetch,
			Batch:    batch,
		}, service.ProcessTrades, logger, broker.WithMetrics(m))
		if err != nil {
			logger.Fatalf("failed to init rabbitmq consumer: %v", err)
		}
		if err := consumer.Start(gctx); err != nil {
			logger.Fatalf("failed to start rabbitmq consumer: %v", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer closeCancel()
			return consumer.Close(closeCtx)
		})
	default:
		consumer, err := broker.NewKafkaConsumer(broker.KafkaConsumerConfig{
			Brokers: cfg.Broker.Endpoints,
			Topic:   cfg.Broker.Topic,
			Group:   cfg.Consumer.Group,
			Batch:   batch,
		}, service.ProcessTrades, logger, broker.WithMetrics(m))
		if err != nil {
			logger.Fatalf("failed to init kafka consumer: %v", err)
		}
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"broker":  cfg.Broker.Kind,
		"topic":   cfg.Broker.Topic,
		"group":   cfg.Consumer.Group,
		"workers": pool.Size(),
	}).Info("aggregation service started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("server stopped with error: %v", err)
	}
	logger.Info("server stopped")
}
