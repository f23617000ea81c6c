// Package optimizer runs the background maintenance of a shard: flushing
// the appendable segment, merging small immutable segments, vacuuming
// tombstone-heavy ones and finishing deferred graph builds. Rebuilds run
// without blocking writes; only the final swap takes the shard's write
// path, which reconciles anything written meanwhile.
package optimizer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/shard"
)

// Config tunes the optimizer's trigger policies.
type Config struct {
	// Interval is the pause between maintenance passes.
	Interval time.Duration

	// MergeSmallCount triggers a merge once this many immutable segments
	// are each at or below MergeSmallMaxRows.
	MergeSmallCount   int
	MergeSmallMaxRows uint32

	// VacuumTombstoneRatio triggers a vacuum rebuild of a segment whose
	// tombstoned fraction reaches it.
	VacuumTombstoneRatio float64

	// RowsPerSecond throttles rebuild row copies so maintenance cannot
	// starve foreground traffic. 0 means unthrottled.
	RowsPerSecond rate.Limit

	Logger *slog.Logger
}

// DefaultConfig is the production default.
var DefaultConfig = Config{
	Interval:             5 * time.Second,
	MergeSmallCount:      4,
	MergeSmallMaxRows:    50000,
	VacuumTombstoneRatio: 0.2,
	RowsPerSecond:        200000,
}

// Optimizer drives maintenance for one shard.
type Optimizer struct {
	shard   *shard.Shard
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates an optimizer for sh.
func New(sh *shard.Shard, cfg Config) *Optimizer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.MergeSmallCount <= 0 {
		cfg.MergeSmallCount = DefaultConfig.MergeSmallCount
	}
	if cfg.MergeSmallMaxRows == 0 {
		cfg.MergeSmallMaxRows = DefaultConfig.MergeSmallMaxRows
	}
	if cfg.VacuumTombstoneRatio <= 0 {
		cfg.VacuumTombstoneRatio = DefaultConfig.VacuumTombstoneRatio
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Optimizer{
		shard: sh,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "optimizer", "shard", sh.ID),
	}
	if cfg.RowsPerSecond > 0 {
		o.limiter = rate.NewLimiter(cfg.RowsPerSecond, int(cfg.RowsPerSecond))
	}
	return o
}

// Start launches the background loop. Stop with Stop.
func (o *Optimizer) Start() {
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	go o.loop()
}

// Stop halts the background loop and waits for the current pass.
func (o *Optimizer) Stop() {
	if o.stopCh == nil {
		return
	}
	close(o.stopCh)
	<-o.doneCh
	o.stopCh = nil
}

func (o *Optimizer) loop() {
	defer close(o.doneCh)
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-o.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			if err := o.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Warn("maintenance pass failed", "error", err)
			}
			cancel()
		}
	}
}

// Tick runs one full maintenance pass.
func (o *Optimizer) Tick(ctx context.Context) error {
	if o.shard.NeedsFlush() {
		if err := o.shard.Flush(ctx); err != nil {
			return err
		}
	}
	if err := o.buildPendingGraphs(ctx); err != nil {
		return err
	}
	if err := o.vacuum(ctx); err != nil {
		return err
	}
	return o.merge(ctx)
}

// buildPendingGraphs links rows the write path deferred.
func (o *Optimizer) buildPendingGraphs(ctx context.Context) error {
	_, appendable, release := o.shard.Snapshot()
	defer release()
	return appendable.BuildGraphs(ctx)
}

// vacuum rewrites segments whose tombstone ratio crossed the threshold.
func (o *Optimizer) vacuum(ctx context.Context) error {
	for _, info := range o.shard.Infos() {
		if info.Appendable || info.TombstoneRatio() < o.cfg.VacuumTombstoneRatio {
			continue
		}
		o.log.Info("vacuuming segment",
			"segment", info.ID, "tombstone_ratio", info.TombstoneRatio())
		if err := o.rebuild(ctx, []model.SegmentID{info.ID}); err != nil {
			return err
		}
	}
	return nil
}

// merge combines accumulated small segments into one.
func (o *Optimizer) merge(ctx context.Context) error {
	var small []model.SegmentID
	for _, info := range o.shard.Infos() {
		if !info.Appendable && info.RowCount <= o.cfg.MergeSmallMaxRows {
			small = append(small, info.ID)
		}
	}
	if len(small) < o.cfg.MergeSmallCount {
		return nil
	}
	o.log.Info("merging segments", "segments", small)
	return o.rebuild(ctx, small)
}

// rebuild is the shared three-phase rewrite: snapshot the sources, copy
// their live rows into a new segment off the write path, then commit the
// swap. Writes racing the copy are reconciled during the commit.
func (o *Optimizer) rebuild(ctx context.Context, sourceIDs []model.SegmentID) error {
	immutables, _, release := o.shard.Snapshot()
	sources := make([]*segment.Immutable, 0, len(sourceIDs))
	want := make(map[model.SegmentID]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		want[id] = true
	}
	for _, seg := range immutables {
		if want[seg.ID()] {
			sources = append(sources, seg)
		}
	}
	if len(sources) != len(sourceIDs) {
		release()
		return nil // a concurrent swap got there first
	}

	builder, err := segment.NewBuilder(o.shard.Schema())
	if err != nil {
		release()
		return err
	}
	for _, src := range sources {
		err = src.IterateLive(func(rec segment.Record) error {
			if o.limiter != nil {
				if err := o.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			return builder.Add(rec)
		})
		if err != nil {
			release()
			return err
		}
	}
	release()

	newID := o.shard.AllocSegmentID()
	path := o.shard.SegmentPath(newID)
	if err := builder.Write(path, newID); err != nil {
		return err
	}
	rebuilt, err := segment.Open(path)
	if err != nil {
		return err
	}

	if err := o.shard.ReplaceSegments(sourceIDs, []*segment.Immutable{rebuilt}); err != nil {
		rebuilt.Remove()
		if errors.Is(err, dberr.ErrConsensusRejected) {
			// Lost the race against another swap; the next pass retries.
			return nil
		}
		return err
	}
	return nil
}
