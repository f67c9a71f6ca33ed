// Command replay runs recorded stream frames (one JSON frame per line) through
// the decoder and the aggregator and prints the enriched trades as JSON lines.
package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/colefreeman/cole-ws/internal/application/service/aggregator"
	"github.com/colefreeman/cole-ws/internal/config"
	inframarketdata "github.com/colefreeman/cole-ws/internal/infrastructure/marketdata"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

type replayConfig struct {
	Input       string `env:"REPLAY_INPUT" envDefault:"-"`
	BatchSize   int    `env:"REPLAY_BATCH_SIZE" envDefault:"500"`
	DatabaseDSN string `env:"DATABASE_DSN"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cfg replayConfig
	if err := env.Parse(&cfg); err != nil {
		logrus.StandardLogger().Fatalf("config error: %v", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	// stdout carries the enriched trades.
	logger.SetOutput(os.Stderr)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	var in io.Reader = os.Stdin
	if cfg.Input != "-" {
		f, err := os.Open(cfg.Input)
		if err != nil {
			logger.Fatalf("open input: %v", err)
		}
		defer f.Close()
		in = f
	}

	r := &replayer{
		aggregator: aggregator.New(nil),
		batchSize:  cfg.BatchSize,
		logger:     logger.WithField("component", "replay"),
	}
	if cfg.DatabaseDSN != "" {
		repo, err := inframarketdata.NewRepository(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatalf("connect postgres: %v", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatalf("prepare schema: %v", err)
		}
		r.repo = repo
	}

	out := bufio.NewWriter(os.Stdout)
	stats, err := r.run(ctx, in, out)
	if flushErr := out.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	fields := logrus.Fields{
		"lines":     stats.Lines,
		"trades":    stats.Trades,
		"malformed": stats.Malformed,
		"skipped":   stats.Skipped,
		"batches":   stats.Batches,
	}
	if err != nil {
		logger.WithFields(fields).Fatalf("replay failed: %v", err)
	}
	logger.WithFields(fields).Info("replay finished")
}
