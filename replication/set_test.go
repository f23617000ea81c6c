package replication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/shard"
	"github.com/peridotdb/peridot/wal"
)

func testSchema() *segment.Schema {
	return &segment.Schema{
		Dense: []segment.VectorSpec{
			{Name: "text", Dim: 2, Metric: distance.MetricL2},
		},
	}
}

func openReplica(t *testing.T, peer model.PeerID) *LocalReplica {
	t.Helper()
	s, err := shard.Open(t.TempDir(), 0, testSchema(), shard.Options{
		WAL: wal.Options{Mode: wal.ModeSync},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLocalReplica(peer, s)
}

func record(id uint64, version model.Version, x float32) model.PointRecord {
	return model.PointRecord{
		ID:      model.NumID(id),
		Version: version,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": {x, 0}}},
	}
}

// failingReplica errors on every operation.
type failingReplica struct {
	flaggedReplica
	peer model.PeerID
}

var errReplicaDown = errors.New("replica down")

func (f *failingReplica) PeerID() model.PeerID { return f.peer }
func (f *failingReplica) Upsert(context.Context, model.PointRecord) (bool, error) {
	return false, errReplicaDown
}
func (f *failingReplica) Delete(context.Context, model.PointID, model.Version) (bool, error) {
	return false, errReplicaDown
}
func (f *failingReplica) Get(context.Context, model.PointID) (model.PointRecord, bool, error) {
	return model.PointRecord{}, false, errReplicaDown
}
func (f *failingReplica) Search(context.Context, *segment.SearchRequest) ([]model.ScoredPoint, error) {
	return nil, errReplicaDown
}
func (f *failingReplica) SelectIDs(context.Context, *payload.Filter) ([]model.PointID, error) {
	return nil, errReplicaDown
}
func (f *failingReplica) CountLive(context.Context) (uint64, error) { return 0, errReplicaDown }
func (f *failingReplica) LastLSN(context.Context) (uint64, error)   { return 0, errReplicaDown }
func (f *failingReplica) ApplyLog(context.Context, []*wal.Record) error {
	return errReplicaDown
}

func TestRequiredCounts(t *testing.T) {
	assert.Equal(t, 1, One.Required(3))
	assert.Equal(t, 2, Majority.Required(3))
	assert.Equal(t, 3, Majority.Required(4))
	assert.Equal(t, 3, All.Required(3))
	assert.Equal(t, 0, All.Required(0))
}

func TestMajorityWriteSurvivesOneFailure(t *testing.T) {
	local := openReplica(t, 1)
	remote := openReplica(t, 2)
	down := &failingReplica{peer: 3}
	rs := NewReplicaSet(0, local, []Replica{remote, down}, Options{
		WriteLevel: Majority,
		AckTimeout: time.Second,
	})
	ctx := context.Background()

	applied, err := rs.Upsert(ctx, record(1, 1, 0.5))
	require.NoError(t, err)
	assert.True(t, applied)

	// Both healthy replicas hold the write; the failed one is flagged
	// for catch-up.
	for _, r := range []*LocalReplica{local, remote} {
		_, found, err := r.Get(ctx, model.NumID(1))
		require.NoError(t, err)
		assert.True(t, found, "peer %d", r.PeerID())
	}
	assert.Eventually(t, down.Degraded, time.Second, 10*time.Millisecond,
		"failed replica must be flagged for catch-up")
}

func TestAllLevelReportsPartialAcks(t *testing.T) {
	local := openReplica(t, 1)
	remote := openReplica(t, 2)
	down := &failingReplica{peer: 3}
	rs := NewReplicaSet(0, local, []Replica{remote, down}, Options{
		WriteLevel: All,
		AckTimeout: time.Second,
	})

	_, err := rs.Upsert(context.Background(), record(1, 1, 0.5))
	var rt *dberr.ReplicationTimeout
	require.ErrorAs(t, err, &rt)
	assert.Equal(t, 3, rt.Requested)
	assert.Equal(t, 2, rt.Acked)

	// The write still landed on the replicas that answered.
	_, found, err := local.Get(context.Background(), model.NumID(1))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMajorityReadObservesMajorityWrite(t *testing.T) {
	local := openReplica(t, 1)
	remote := openReplica(t, 2)
	down := &failingReplica{peer: 3}
	down.SetDegraded(true)
	rs := NewReplicaSet(0, local, []Replica{remote, down}, Options{
		WriteLevel: Majority,
		ReadLevel:  Majority,
		AckTimeout: time.Second,
	})
	ctx := context.Background()

	applied, err := rs.Upsert(ctx, record(9, 1, 3.0))
	require.NoError(t, err)
	require.True(t, applied)

	hits, err := rs.Search(ctx, &segment.SearchRequest{
		VectorName: "text", Vector: []float32{3, 0}, K: 1,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(9), hits[0].ID)
}

func TestDegradedReplicasExcludedFromReads(t *testing.T) {
	local := openReplica(t, 1)
	r2 := openReplica(t, 2)
	r3 := openReplica(t, 3)
	rs := NewReplicaSet(0, local, []Replica{r2, r3}, Options{
		WriteLevel: All,
		ReadLevel:  Majority,
		AckTimeout: time.Second,
	})
	ctx := context.Background()

	_, err := rs.Upsert(ctx, record(7, 1, 1.0))
	require.NoError(t, err)

	r2.SetDegraded(true)
	hits, err := rs.Search(ctx, &segment.SearchRequest{
		VectorName: "text", Vector: []float32{1, 0}, K: 1,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Not enough healthy replicas for the level.
	r3.SetDegraded(true)
	_, err = rs.Search(ctx, &segment.SearchRequest{
		VectorName: "text", Vector: []float32{1, 0}, K: 1,
	})
	assert.ErrorIs(t, err, dberr.ErrShardDegraded)
}

func TestQuorumReadDropsMissedDelete(t *testing.T) {
	local := openReplica(t, 1)
	r2 := openReplica(t, 2)
	r3 := openReplica(t, 3)
	rs := NewReplicaSet(0, local, []Replica{r2, r3}, Options{
		WriteLevel: All,
		ReadLevel:  All,
		AckTimeout: time.Second,
	})
	ctx := context.Background()

	for i := uint64(0); i < 4; i++ {
		_, err := rs.Upsert(ctx, record(i, 1, float32(i)))
		require.NoError(t, err)
	}

	// r3 misses the delete of point 2.
	for _, r := range []*LocalReplica{local, r2} {
		applied, err := r.Delete(ctx, model.NumID(2), 2)
		require.NoError(t, err)
		require.True(t, applied)
	}

	hits, err := rs.Search(ctx, &segment.SearchRequest{
		VectorName: "text", Vector: []float32{2, 0}, K: 4,
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.NotEqual(t, model.NumID(2), h.ID, "deleted point resurfaced from a stale replica")
	}
}

func TestCatchUpClearsDegraded(t *testing.T) {
	local := openReplica(t, 1)
	rs := NewReplicaSet(0, local, nil, Options{
		WriteLevel: One,
		AckTimeout: time.Second,
	})
	ctx := context.Background()

	for i := uint64(0); i < 20; i++ {
		_, err := rs.Upsert(ctx, record(i, 1, float32(i)))
		require.NoError(t, err)
	}
	applied, err := rs.Delete(ctx, model.NumID(3), 2)
	require.NoError(t, err)
	require.True(t, applied)

	// A freshly joined replica starts degraded and empty.
	joined := openReplica(t, 2)
	rs.AddReplica(joined)
	require.True(t, joined.Degraded())

	require.NoError(t, rs.CatchUp(ctx))
	assert.False(t, joined.Degraded())

	n, err := joined.CountLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), n)
	_, found, err := joined.Get(ctx, model.NumID(3))
	require.NoError(t, err)
	assert.False(t, found, "delete must replicate during catch-up")

	// Replays are idempotent under the version gate.
	require.NoError(t, rs.CatchUp(ctx))
	n, err = joined.CountLive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(19), n)
}

func TestParseConsistencyLevel(t *testing.T) {
	for _, l := range []ConsistencyLevel{One, Majority, All} {
		got, err := ParseConsistencyLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseConsistencyLevel("quorumish")
	require.Error(t, err)
}
