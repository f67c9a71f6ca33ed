package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/colefreeman/cole-ws/internal/application/service/ingest"
	"github.com/colefreeman/cole-ws/internal/config"
	"github.com/colefreeman/cole-ws/internal/infrastructure/binance"
	"github.com/colefreeman/cole-ws/internal/infrastructure/broker"
	"github.com/colefreeman/cole-ws/internal/infrastructure/metrics"
	"github.com/colefreeman/cole-ws/internal/infrastructure/stream"
	infrahttp "github.com/colefreeman/cole-ws/internal/interfaces/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.StandardLogger().Fatalf("config error: %v", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if err := cfg.ValidateIngest(); err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var pub *broker.Publisher
	producer, err := newProducer(cfg, broker.ProducerOptions{
		Logger: logger,
		OnFailure: func(msg broker.Message, err error) {
			pub.DeliveryFailed(msg, err)
		},
	})
	if err != nil {
		logger.Fatalf("init broker producer: %v", err)
	}
	pub = broker.NewPublisher(producer, broker.PublisherConfig{
		Exchange:        cfg.Broker.ExchangeName,
		AckMode:         broker.AckMode(cfg.Broker.AckMode),
		DrainOnShutdown: cfg.Broker.DrainOnShutdown,
	}, logger, m)

	manager, err := stream.Open(cfg.Stream.Symbols, cfg.Stream.ChannelSuffix, stream.Config{
		Endpoint: cfg.Stream.Endpoint,
		Backoff: stream.Backoff{
			Delay:  cfg.Stream.BackoffDelay,
			Max:    cfg.Stream.BackoffMax,
			Factor: cfg.Stream.BackoffFactor,
			Jitter: cfg.Stream.BackoffJitter,
		},
	},
		stream.WithDialer(stream.NewWebsocketDialer(cfg.Stream.HandshakeTimeout, cfg.Stream.ReadTimeout)),
		stream.WithLogger(logger),
		stream.WithStateObserver(func(from, to stream.ConnectionState) {
			m.RecordStreamState(int(to))
		}),
		stream.WithTransportErrorHook(func(error) {
			m.RecordTransportError()
		}),
	)
	if err != nil {
		logger.Fatalf("open stream: %v", err)
	}

	handler := infrahttp.NewHandler(nil, infrahttp.Options{
		Gatherer: reg,
		Health: func() (bool, map[string]string) {
			state := manager.State()
			return state == stream.StateConnected, map[string]string{"stream": state.String()}
		},
	})
	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: handler,
	}

	svc := ingest.NewService(manager, binance.DecodeTrade, pub, logger, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer manager.Close()
		return svc.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.WithFields(logrus.Fields{
		"url":      manager.URL(),
		"broker":   cfg.Broker.Kind,
		"topic":    cfg.Broker.Topic,
		"ack_mode": cfg.Broker.AckMode,
	}).Info("producer started")

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := pub.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("publisher close")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatalf("producer stopped with error: %v", runErr)
	}
	stats := svc.Stats()
	logger.WithFields(logrus.Fields{
		"frames":    stats.Frames,
		"published": stats.Published,
		"failed":    stats.Failed,
	}).Info("producer stopped")
}

func newProducer(cfg *config.Config, opts broker.ProducerOptions) (broker.Producer, error) {
	syncAcks := cfg.Broker.AckMode == config.AckModeSync
	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		return broker.NewRabbitProducer(broker.RabbitConfig{
			URL:      cfg.Broker.Endpoints[0],
			Exchange: cfg.Broker.Topic,
			Retries:  cfg.Broker.Retries,
			Confirm:  syncAcks,
		}, opts)
	default:
		return broker.NewKafkaProducer(broker.KafkaConfig{
			Brokers: cfg.Broker.Endpoints,
			Topic:   cfg.Broker.Topic,
			Retries: cfg.Broker.Retries,
			Sync:    syncAcks,
		}, opts)
	}
}
