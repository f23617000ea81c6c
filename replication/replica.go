package replication

import (
	"context"
	"sync/atomic"

	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/shard"
	"github.com/peridotdb/peridot/wal"
)

// Replica is one copy of a shard, local or remote.
type Replica interface {
	PeerID() model.PeerID

	Upsert(ctx context.Context, rec model.PointRecord) (bool, error)
	Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error)
	Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error)
	Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error)
	SelectIDs(ctx context.Context, f *payload.Filter) ([]model.PointID, error)
	CountLive(ctx context.Context) (uint64, error)

	// LastLSN reports the replica's durable log position, the catch-up
	// synchronization target.
	LastLSN(ctx context.Context) (uint64, error)

	// ApplyLog applies a batch of replicated operations idempotently; the
	// per-point version gate makes duplicates harmless.
	ApplyLog(ctx context.Context, recs []*wal.Record) error

	// Degraded replicas receive writes but are excluded from reads until
	// caught up.
	Degraded() bool
	SetDegraded(bool)
}

// LocalReplica adapts the node's own shard to the Replica interface.
type LocalReplica struct {
	peer  model.PeerID
	shard *shard.Shard
}

// NewLocalReplica wraps a local shard.
func NewLocalReplica(peer model.PeerID, s *shard.Shard) *LocalReplica {
	return &LocalReplica{peer: peer, shard: s}
}

// Shard exposes the underlying shard for catch-up streaming.
func (r *LocalReplica) Shard() *shard.Shard { return r.shard }

// PeerID implements Replica.
func (r *LocalReplica) PeerID() model.PeerID { return r.peer }

// Upsert implements Replica.
func (r *LocalReplica) Upsert(ctx context.Context, rec model.PointRecord) (bool, error) {
	return r.shard.Upsert(ctx, rec)
}

// Delete implements Replica.
func (r *LocalReplica) Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error) {
	return r.shard.Delete(ctx, id, version)
}

// Get implements Replica.
func (r *LocalReplica) Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error) {
	return r.shard.Get(ctx, id)
}

// Search implements Replica.
func (r *LocalReplica) Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error) {
	return r.shard.Search(ctx, req)
}

// SelectIDs implements Replica.
func (r *LocalReplica) SelectIDs(ctx context.Context, f *payload.Filter) ([]model.PointID, error) {
	return r.shard.SelectIDs(ctx, f)
}

// CountLive implements Replica.
func (r *LocalReplica) CountLive(context.Context) (uint64, error) {
	return r.shard.CountLive(), nil
}

// LastLSN implements Replica.
func (r *LocalReplica) LastLSN(context.Context) (uint64, error) {
	return r.shard.LastLSN(), nil
}

// ApplyLog implements Replica.
func (r *LocalReplica) ApplyLog(ctx context.Context, recs []*wal.Record) error {
	for _, rec := range recs {
		var err error
		switch rec.Op {
		case wal.OpUpsert:
			_, err = r.shard.Upsert(ctx, model.PointRecord{
				ID:      rec.ID,
				Version: rec.Version,
				Vectors: rec.Vectors,
				Payload: rec.Payload,
			})
		case wal.OpDelete:
			_, err = r.shard.Delete(ctx, rec.ID, rec.Version)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Degraded implements Replica.
func (r *LocalReplica) Degraded() bool { return r.shard.Degraded() }

// SetDegraded implements Replica.
func (r *LocalReplica) SetDegraded(d bool) { r.shard.SetDegraded(d) }

// flaggedReplica carries a client-side degraded flag for remote replicas
// whose state is tracked by the writer that observed the failure.
type flaggedReplica struct {
	degraded atomic.Bool
}

func (f *flaggedReplica) Degraded() bool     { return f.degraded.Load() }
func (f *flaggedReplica) SetDegraded(d bool) { f.degraded.Store(d) }
