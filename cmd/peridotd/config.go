package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/peridotdb/peridot/replication"
	"github.com/peridotdb/peridot/wal"
)

// Config is the daemon configuration, loaded from peridotd.yaml and
// PERIDOT_* environment variables.
type Config struct {
	DataDir string
	PeerID  uint64

	Logger struct {
		Level    string
		Encoding string
	}

	NATS struct {
		URL string
	}

	WAL struct {
		Mode                string
		GroupCommitInterval time.Duration
		Compression         bool
		SegmentSize         int64
	}

	Shard struct {
		FlushThreshold uint32
	}

	Optimizer struct {
		Interval             time.Duration
		MergeSmallCount      int
		MergeSmallMaxRows    uint32
		VacuumTombstoneRatio float64
		RowsPerSecond        float64
	}

	Replication struct {
		WriteLevel      string
		ReadLevel       string
		AckTimeout      time.Duration
		CatchUpInterval time.Duration
	}
}

func setDefaults() {
	viper.SetDefault("data_dir", "./data")
	viper.SetDefault("peer_id", 1)
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "json")
	viper.SetDefault("wal.mode", "group")
	viper.SetDefault("wal.group_commit_interval", wal.DefaultOptions.GroupCommitInterval)
	viper.SetDefault("wal.compression", true)
	viper.SetDefault("wal.segment_size", wal.DefaultOptions.SegmentSize)
	viper.SetDefault("shard.flush_threshold", 20000)
	viper.SetDefault("optimizer.interval", "5s")
	viper.SetDefault("optimizer.merge_small_count", 4)
	viper.SetDefault("optimizer.merge_small_max_rows", 50000)
	viper.SetDefault("optimizer.vacuum_tombstone_ratio", 0.2)
	viper.SetDefault("optimizer.rows_per_second", 200000)
	viper.SetDefault("replication.write_level", "majority")
	viper.SetDefault("replication.read_level", "one")
	viper.SetDefault("replication.ack_timeout", "5s")
	viper.SetDefault("replication.catch_up_interval", "15s")
}

// LoadConfig reads peridotd.yaml from ., ./config or /etc/peridot.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("peridotd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/peridot/")

	viper.SetEnvPrefix("peridot")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	cfg.DataDir = viper.GetString("data_dir")
	cfg.PeerID = viper.GetUint64("peer_id")
	cfg.Logger.Level = viper.GetString("logger.level")
	cfg.Logger.Encoding = viper.GetString("logger.encoding")
	cfg.NATS.URL = viper.GetString("nats.url")
	cfg.WAL.Mode = viper.GetString("wal.mode")
	cfg.WAL.GroupCommitInterval = viper.GetDuration("wal.group_commit_interval")
	cfg.WAL.Compression = viper.GetBool("wal.compression")
	cfg.WAL.SegmentSize = viper.GetInt64("wal.segment_size")
	cfg.Shard.FlushThreshold = viper.GetUint32("shard.flush_threshold")
	cfg.Optimizer.Interval = viper.GetDuration("optimizer.interval")
	cfg.Optimizer.MergeSmallCount = viper.GetInt("optimizer.merge_small_count")
	cfg.Optimizer.MergeSmallMaxRows = viper.GetUint32("optimizer.merge_small_max_rows")
	cfg.Optimizer.VacuumTombstoneRatio = viper.GetFloat64("optimizer.vacuum_tombstone_ratio")
	cfg.Optimizer.RowsPerSecond = viper.GetFloat64("optimizer.rows_per_second")
	cfg.Replication.WriteLevel = viper.GetString("replication.write_level")
	cfg.Replication.ReadLevel = viper.GetString("replication.read_level")
	cfg.Replication.AckTimeout = viper.GetDuration("replication.ack_timeout")
	cfg.Replication.CatchUpInterval = viper.GetDuration("replication.catch_up_interval")
	return cfg, nil
}

func (c *Config) walOptions() (wal.Options, error) {
	opts := wal.Options{
		GroupCommitInterval: c.WAL.GroupCommitInterval,
		Compression:         c.WAL.Compression,
		SegmentSize:         c.WAL.SegmentSize,
	}
	switch c.WAL.Mode {
	case "sync":
		opts.Mode = wal.ModeSync
	case "group":
		opts.Mode = wal.ModeGroupCommit
	case "async":
		opts.Mode = wal.ModeAsync
	default:
		return opts, fmt.Errorf("unknown wal mode %q", c.WAL.Mode)
	}
	return opts, nil
}

func (c *Config) replicationOptions() (replication.Options, error) {
	writeLevel, err := replication.ParseConsistencyLevel(c.Replication.WriteLevel)
	if err != nil {
		return replication.Options{}, err
	}
	readLevel, err := replication.ParseConsistencyLevel(c.Replication.ReadLevel)
	if err != nil {
		return replication.Options{}, err
	}
	opts := replication.DefaultOptions
	opts.WriteLevel = writeLevel
	opts.ReadLevel = readLevel
	opts.AckTimeout = c.Replication.AckTimeout
	return opts, nil
}
