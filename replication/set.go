// Package replication keeps the copies of one shard in agreement: writes
// fan out to every replica and acknowledge at a configured consistency
// level, reads consult healthy replicas and cross-check, and replicas
// that fell behind are caught up from the local operation log.
package replication

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/wal"
)

// Options configures a replica set.
type Options struct {
	// WriteLevel and ReadLevel are the default consistency levels.
	WriteLevel ConsistencyLevel
	ReadLevel  ConsistencyLevel

	// AckTimeout bounds how long a write waits for replica
	// acknowledgements before reporting partial success.
	AckTimeout time.Duration

	// CatchUpBatch is the number of log records shipped per catch-up
	// round trip.
	CatchUpBatch int

	Logger *slog.Logger
}

// DefaultOptions is the production default: majority writes, one-replica
// reads.
var DefaultOptions = Options{
	WriteLevel:   Majority,
	ReadLevel:    One,
	AckTimeout:   5 * time.Second,
	CatchUpBatch: 256,
}

// ReplicaSet is the replication coordinator for one shard. It satisfies
// the collection's shard target contract, so a collection routes to it
// exactly as it would to a bare local shard.
type ReplicaSet struct {
	shardID model.ShardID
	local   *LocalReplica
	opts    Options
	log     *slog.Logger

	mu       sync.RWMutex
	replicas []Replica // local first
}

// NewReplicaSet builds the set. local is the replica hosted on this
// node; remotes are the other copies.
func NewReplicaSet(shardID model.ShardID, local *LocalReplica, remotes []Replica, opts Options) *ReplicaSet {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultOptions.AckTimeout
	}
	if opts.CatchUpBatch <= 0 {
		opts.CatchUpBatch = DefaultOptions.CatchUpBatch
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rs := &ReplicaSet{
		shardID:  shardID,
		local:    local,
		opts:     opts,
		log:      opts.Logger.With("component", "replication", "shard", shardID),
		replicas: append([]Replica{local}, remotes...),
	}
	return rs
}

// AddReplica joins a new replica to the set. It starts degraded and
// becomes readable after CatchUp.
func (rs *ReplicaSet) AddReplica(r Replica) {
	r.SetDegraded(true)
	rs.mu.Lock()
	rs.replicas = append(rs.replicas, r)
	rs.mu.Unlock()
}

// RemoveReplica drops a replica from the set.
func (rs *ReplicaSet) RemoveReplica(peer model.PeerID) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := rs.replicas[:0]
	for _, r := range rs.replicas {
		if r.PeerID() != peer {
			out = append(out, r)
		}
	}
	rs.replicas = out
}

// Replicas returns a snapshot of the current membership.
func (rs *ReplicaSet) Replicas() []Replica {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return append([]Replica(nil), rs.replicas...)
}

type ackResult struct {
	replica Replica
	applied bool
	err     error
}

// write fans one operation out to every replica, degraded ones included
// so they miss as little as possible, and waits for the consistency
// level. Stragglers keep their full timeout after the level is met, and
// a replica that ultimately fails is marked degraded for catch-up.
func (rs *ReplicaSet) write(ctx context.Context, level ConsistencyLevel, op func(ctx context.Context, r Replica) (bool, error)) (bool, error) {
	replicas := rs.Replicas()
	required := level.Required(len(replicas))

	// The operation context deliberately outlives this call.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rs.opts.AckTimeout)
	results := make(chan ackResult, len(replicas))
	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func(r Replica) {
			defer wg.Done()
			applied, err := op(opCtx, r)
			if err != nil {
				rs.degradeReplica(r, err)
			}
			results <- ackResult{replica: r, applied: applied, err: err}
		}(r)
	}
	go func() {
		wg.Wait()
		cancel()
	}()

	acked := 0
	applied := false
	appliedSet := false
	deadline := time.NewTimer(rs.opts.AckTimeout)
	defer deadline.Stop()

	for seen := 0; seen < len(replicas) && acked < required; seen++ {
		select {
		case res := <-results:
			if res.err == nil {
				acked++
				if !appliedSet {
					applied = res.applied
					appliedSet = true
				}
			}
		case <-deadline.C:
			return applied, &dberr.ReplicationTimeout{Requested: required, Acked: acked}
		case <-ctx.Done():
			return applied, ctx.Err()
		}
	}
	if acked < required {
		return applied, &dberr.ReplicationTimeout{Requested: required, Acked: acked}
	}
	return applied, nil
}

func (rs *ReplicaSet) degradeReplica(r Replica, err error) {
	if !r.Degraded() {
		rs.log.Warn("replica write failed, marking degraded",
			"peer", r.PeerID(), "error", err)
		r.SetDegraded(true)
	}
}

// Upsert implements the shard target contract at the default write level.
func (rs *ReplicaSet) Upsert(ctx context.Context, rec model.PointRecord) (bool, error) {
	return rs.UpsertWithLevel(ctx, rec, rs.opts.WriteLevel)
}

// UpsertWithLevel writes at an explicit consistency level.
func (rs *ReplicaSet) UpsertWithLevel(ctx context.Context, rec model.PointRecord, level ConsistencyLevel) (bool, error) {
	return rs.write(ctx, level, func(ctx context.Context, r Replica) (bool, error) {
		return r.Upsert(ctx, rec)
	})
}

// Delete implements the shard target contract at the default write level.
func (rs *ReplicaSet) Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error) {
	return rs.DeleteWithLevel(ctx, id, version, rs.opts.WriteLevel)
}

// DeleteWithLevel deletes at an explicit consistency level.
func (rs *ReplicaSet) DeleteWithLevel(ctx context.Context, id model.PointID, version model.Version, level ConsistencyLevel) (bool, error) {
	return rs.write(ctx, level, func(ctx context.Context, r Replica) (bool, error) {
		return r.Delete(ctx, id, version)
	})
}

// readers picks the replicas a read at the level consults, healthy ones
// only, the local replica preferred.
func (rs *ReplicaSet) readers(level ConsistencyLevel) ([]Replica, error) {
	replicas := rs.Replicas()
	healthy := make([]Replica, 0, len(replicas))
	for _, r := range replicas {
		if !r.Degraded() {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		return nil, dberr.ErrShardDegraded
	}
	required := level.Required(len(replicas))
	if len(healthy) < required {
		return nil, dberr.ErrShardDegraded
	}
	if level == One {
		return healthy[:1], nil
	}
	return healthy[:required], nil
}

// Search implements the shard target contract at the default read level.
func (rs *ReplicaSet) Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error) {
	return rs.SearchWithLevel(ctx, req, rs.opts.ReadLevel)
}

// SearchWithLevel reads at an explicit consistency level. Levels above
// One cross-check the result sets and drop points only a minority of the
// consulted replicas returned, so a replica that missed a delete cannot
// resurface the point.
func (rs *ReplicaSet) SearchWithLevel(ctx context.Context, req *segment.SearchRequest, level ConsistencyLevel) ([]model.ScoredPoint, error) {
	readers, err := rs.readers(level)
	if err != nil {
		return nil, err
	}
	if len(readers) == 1 {
		return readers[0].Search(ctx, req)
	}

	type reply struct {
		hits []model.ScoredPoint
		err  error
	}
	replies := make(chan reply, len(readers))
	for _, r := range readers {
		go func(r Replica) {
			hits, err := r.Search(ctx, req)
			replies <- reply{hits: hits, err: err}
		}(r)
	}

	counts := make(map[model.PointID]int)
	best := make(map[model.PointID]model.ScoredPoint)
	answered := 0
	for i := 0; i < len(readers); i++ {
		rep := <-replies
		if rep.err != nil {
			continue
		}
		answered++
		for _, sp := range rep.hits {
			counts[sp.ID]++
			if cur, ok := best[sp.ID]; !ok || sp.Version > cur.Version {
				best[sp.ID] = sp
			}
		}
	}
	if answered < len(readers) {
		return nil, dberr.ErrShardDegraded
	}

	quorum := answered/2 + 1
	out := make([]model.ScoredPoint, 0, len(best))
	for id, sp := range best {
		if counts[id] >= quorum {
			out = append(out, sp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	if len(out) > req.K {
		out = out[:req.K]
	}
	return out, nil
}

// Get reads one point from the first healthy replica.
func (rs *ReplicaSet) Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error) {
	readers, err := rs.readers(One)
	if err != nil {
		return model.PointRecord{}, false, err
	}
	return readers[0].Get(ctx, id)
}

// SelectIDs reads matching ids from the first healthy replica.
func (rs *ReplicaSet) SelectIDs(ctx context.Context, f *payload.Filter) ([]model.PointID, error) {
	readers, err := rs.readers(One)
	if err != nil {
		return nil, err
	}
	return readers[0].SelectIDs(ctx, f)
}

// CountLive reports the local replica's live count.
func (rs *ReplicaSet) CountLive() uint64 {
	return rs.local.Shard().CountLive()
}

// CatchUp streams missed operations from the local log to every degraded
// replica and, on success, marks it healthy again.
func (rs *ReplicaSet) CatchUp(ctx context.Context) error {
	for _, r := range rs.Replicas() {
		if r == Replica(rs.local) || !r.Degraded() {
			continue
		}
		if err := rs.catchUpReplica(ctx, r); err != nil {
			rs.log.Warn("catch-up failed", "peer", r.PeerID(), "error", err)
			continue
		}
		r.SetDegraded(false)
		rs.log.Info("replica caught up", "peer", r.PeerID())
	}
	return ctx.Err()
}

func (rs *ReplicaSet) catchUpReplica(ctx context.Context, r Replica) error {
	from, err := r.LastLSN(ctx)
	if err != nil {
		return err
	}
	target := rs.local.Shard().LastLSN()
	if from >= target {
		return nil
	}

	batch := make([]*wal.Record, 0, rs.opts.CatchUpBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := r.ApplyLog(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	err = rs.local.Shard().ReplayLog(from, func(rec *wal.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, rec)
		if len(batch) >= rs.opts.CatchUpBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}
