// Command peridotd runs a peridot node: it hosts collection shards,
// applies cluster metadata operations and replicates writes to its
// peers over NATS.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/peridotdb/peridot/cluster"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/node"
	"github.com/peridotdb/peridot/optimizer"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("load config", zap.Error(err))
	}

	logger := buildZapLogger(cfg)
	defer logger.Sync() //nolint:errcheck // stderr sync failure is unactionable
	slogger := buildSlogLogger(cfg)
	slog.SetDefault(slogger)

	if err := run(cfg, logger, slogger); err != nil {
		logger.Fatal("peridotd failed", zap.Error(err))
	}
}

func run(cfg *Config, logger *zap.Logger, slogger *slog.Logger) error {
	walOpts, err := cfg.walOptions()
	if err != nil {
		return err
	}
	replOpts, err := cfg.replicationOptions()
	if err != nil {
		return err
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("peridotd"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return err
		}
		defer nc.Drain() //nolint:errcheck // best effort on shutdown
		logger.Info("connected to nats", zap.String("url", cfg.NATS.URL))
	}

	n, err := node.Open(node.Options{
		DataDir: cfg.DataDir,
		Peer:    model.PeerID(cfg.PeerID),
		NATS:    nc,
		WAL:     walOpts,
		Flush:   cfg.Shard.FlushThreshold,
		Optimizer: optimizer.Config{
			Interval:             cfg.Optimizer.Interval,
			MergeSmallCount:      cfg.Optimizer.MergeSmallCount,
			MergeSmallMaxRows:    cfg.Optimizer.MergeSmallMaxRows,
			VacuumTombstoneRatio: cfg.Optimizer.VacuumTombstoneRatio,
			RowsPerSecond:        rate.Limit(cfg.Optimizer.RowsPerSecond),
			Logger:               slogger,
		},
		Replication: replOpts,
		Logger:      slogger,
	})
	if err != nil {
		return err
	}
	defer n.Close()
	logger.Info("node open",
		zap.String("data_dir", cfg.DataDir),
		zap.Uint64("peer", cfg.PeerID),
		zap.Int("collections", len(n.Collections())))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Single-node consensus stand-in until an external consensus
	// transport proposes ops. TODO: wire the dispatcher to the NATS
	// meta-op subject so peers share one log.
	proposer := cluster.NewLocalProposer(0, 64)
	dispatcher := cluster.NewDispatcher(n, 0, slogger)
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- dispatcher.Run(ctx, proposer.Entries())
	}()

	go catchUpLoop(ctx, n, cfg.Replication.CatchUpInterval, logger)

	logger.Info("peridotd ready")
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-dispatchDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	proposer.Close()
	return nil
}

// catchUpLoop periodically re-synchronizes degraded replicas.
func catchUpLoop(ctx context.Context, n *node.Node, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.CatchUp(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("catch-up round failed", zap.Error(err))
			}
		}
	}
}

func buildZapLogger(cfg *Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Logger.Encoding == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.Logger.Level); err == nil {
		zcfg.Level = lvl
	}
	return zap.Must(zcfg.Build())
}

func buildSlogLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logger.Encoding == "console" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
