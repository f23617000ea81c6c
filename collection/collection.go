// Package collection composes shards into one named, searchable point
// set: writes route to their owning shard by consistent hashing, searches
// fan out to every shard and merge into a global top K.
package collection

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/segment"
)

// Target is one routable shard endpoint. A local shard satisfies it
// directly; a replica set satisfies it with its consistency semantics.
type Target interface {
	Upsert(ctx context.Context, rec model.PointRecord) (bool, error)
	Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error)
	Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error)
	Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error)
	SelectIDs(ctx context.Context, f *payload.Filter) ([]model.PointID, error)
	CountLive() uint64
}

// Config describes a collection.
type Config struct {
	Name              string          `json:"name"`
	ShardCount        uint32          `json:"shard_count"`
	ReplicationFactor uint32          `json:"replication_factor"`
	Schema            *segment.Schema `json:"schema"`
}

// Validate rejects unusable configs at creation time.
func (c *Config) Validate() error {
	if c.Name == "" {
		return dberr.ClientInput("collection name must not be empty")
	}
	if c.ShardCount == 0 {
		return dberr.ClientInput("shard count must be positive")
	}
	if c.Schema == nil {
		return dberr.ClientInput("collection requires a schema")
	}
	return c.Schema.Validate()
}

// UpsertResult reports the per-point outcome of a batch write.
type UpsertResult struct {
	ID      model.PointID
	Applied bool
}

// Info summarizes a collection.
type Info struct {
	Name       string `json:"name"`
	ShardCount uint32 `json:"shard_count"`
	PointCount uint64 `json:"point_count"`
}

// Collection routes operations across a fixed set of shard targets.
type Collection struct {
	cfg  Config
	log  *slog.Logger
	ring *Ring

	mu      sync.RWMutex
	targets map[model.ShardID]Target
}

// New assembles a collection over its shard targets. Every shard id in
// [0, ShardCount) must be present.
func New(cfg Config, targets map[model.ShardID]Target, logger *slog.Logger) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ids := make([]model.ShardID, 0, cfg.ShardCount)
	for i := uint32(0); i < cfg.ShardCount; i++ {
		id := model.ShardID(i)
		if _, ok := targets[id]; !ok {
			return nil, dberr.ClientInput("missing target for shard %d", id)
		}
		ids = append(ids, id)
	}
	return &Collection{
		cfg:     cfg,
		log:     logger.With("collection", cfg.Name),
		ring:    NewRing(ids),
		targets: targets,
	}, nil
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.cfg.Name }

// Config returns the collection config.
func (c *Collection) Config() Config { return c.cfg }

// Route returns the shard owning a point id.
func (c *Collection) Route(id model.PointID) model.ShardID { return c.ring.Route(id) }

func (c *Collection) target(id model.ShardID) Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targets[id]
}

// Upsert writes one point to its owning shard.
func (c *Collection) Upsert(ctx context.Context, rec model.PointRecord) (bool, error) {
	if !rec.ID.Valid() {
		return false, dberr.ClientInput("invalid point id")
	}
	return c.target(c.ring.Route(rec.ID)).Upsert(ctx, rec)
}

// UpsertBatch writes a batch, grouping points by owning shard and writing
// the groups in parallel. Results are returned in input order.
func (c *Collection) UpsertBatch(ctx context.Context, recs []model.PointRecord) ([]UpsertResult, error) {
	groups := make(map[model.ShardID][]int)
	for i, rec := range recs {
		if !rec.ID.Valid() {
			return nil, dberr.ClientInput("invalid point id at index %d", i)
		}
		sid := c.ring.Route(rec.ID)
		groups[sid] = append(groups[sid], i)
	}

	results := make([]UpsertResult, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	for sid, idxs := range groups {
		target := c.target(sid)
		g.Go(func() error {
			for _, i := range idxs {
				applied, err := target.Upsert(gctx, recs[i])
				if err != nil {
					return err
				}
				results[i] = UpsertResult{ID: recs[i].ID, Applied: applied}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Delete removes one point from its owning shard.
func (c *Collection) Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error) {
	if !id.Valid() {
		return false, dberr.ClientInput("invalid point id")
	}
	return c.target(c.ring.Route(id)).Delete(ctx, id, version)
}

// DeleteByFilter removes every point matching the filter, all stamped
// with the same version. It returns the number of points deleted.
func (c *Collection) DeleteByFilter(ctx context.Context, f *payload.Filter, version model.Version) (uint64, error) {
	var total uint64
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	c.eachTarget(func(sid model.ShardID, target Target) {
		g.Go(func() error {
			ids, err := target.SelectIDs(gctx, f)
			if err != nil {
				return err
			}
			var n uint64
			for _, id := range ids {
				applied, err := target.Delete(gctx, id, version)
				if err != nil {
					return err
				}
				if applied {
					n++
				}
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// Get fetches one point from its owning shard.
func (c *Collection) Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error) {
	if !id.Valid() {
		return model.PointRecord{}, false, dberr.ClientInput("invalid point id")
	}
	return c.target(c.ring.Route(id)).Get(ctx, id)
}

// Search fans out to every shard and merges the shard-local results into
// one globally ordered top K.
func (c *Collection) Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error) {
	if req.K <= 0 {
		return nil, dberr.ClientInput("k must be positive")
	}

	var mu sync.Mutex
	var all []model.ScoredPoint
	g, gctx := errgroup.WithContext(ctx)
	c.eachTarget(func(sid model.ShardID, target Target) {
		g.Go(func() error {
			hits, err := target.Search(gctx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, hits...)
			mu.Unlock()
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	if len(all) > req.K {
		all = all[:req.K]
	}
	return all, nil
}

// Count returns the number of live points across all shards.
func (c *Collection) Count() uint64 {
	var total uint64
	c.eachTarget(func(_ model.ShardID, target Target) {
		total += target.CountLive()
	})
	return total
}

// Describe returns the collection summary.
func (c *Collection) Describe() Info {
	return Info{
		Name:       c.cfg.Name,
		ShardCount: c.cfg.ShardCount,
		PointCount: c.Count(),
	}
}

// ReplaceTarget swaps the endpoint for one shard, for replica set
// reconfiguration.
func (c *Collection) ReplaceTarget(id model.ShardID, t Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targets[id]; !ok {
		return dberr.ClientInput("unknown shard %d", id)
	}
	c.targets[id] = t
	return nil
}

func (c *Collection) eachTarget(fn func(id model.ShardID, t Target)) {
	c.mu.RLock()
	snapshot := make(map[model.ShardID]Target, len(c.targets))
	for id, t := range c.targets {
		snapshot[id] = t
	}
	c.mu.RUnlock()
	for id, t := range snapshot {
		fn(id, t)
	}
}
