package collection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
	"github.com/peridotdb/peridot/replication"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/shard"
	"github.com/peridotdb/peridot/wal"
)

func testConfig(shards uint32) Config {
	return Config{
		Name:       "docs",
		ShardCount: shards,
		Schema: &segment.Schema{
			Dense: []segment.VectorSpec{
				{Name: "text", Dim: 2, Metric: distance.MetricL2},
			},
			PayloadIndexes: map[string]index.Kind{
				"color": index.KindKeyword,
			},
		},
	}
}

func openCollection(t *testing.T, shards uint32) *Collection {
	t.Helper()
	cfg := testConfig(shards)
	targets := make(map[model.ShardID]Target, shards)
	for i := uint32(0); i < shards; i++ {
		s, err := shard.Open(t.TempDir(), model.ShardID(i), cfg.Schema, shard.Options{
			WAL: wal.Options{Mode: wal.ModeSync},
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		targets[model.ShardID(i)] = s
	}
	c, err := New(cfg, targets, nil)
	require.NoError(t, err)
	return c
}

func TestRingRoutingIsStable(t *testing.T) {
	ids := []model.ShardID{0, 1, 2, 3}
	r1 := NewRing(ids)
	r2 := NewRing(ids)

	counts := make(map[model.ShardID]int)
	for i := uint64(0); i < 10000; i++ {
		id := model.NumID(i)
		assert.Equal(t, r1.Route(id), r2.Route(id))
		counts[r1.Route(id)]++
	}
	// Rough balance: no shard owns more than half the keys.
	for sid, n := range counts {
		assert.Greater(t, n, 0, "shard %d owns nothing", sid)
		assert.Less(t, n, 5000, "shard %d owns %d of 10000 keys", sid, n)
	}
}

func TestUpsertSearchAcrossShards(t *testing.T) {
	c := openCollection(t, 2)
	ctx := context.Background()

	applied, err := c.Upsert(ctx, model.PointRecord{
		ID:      model.NumID(42),
		Version: 1,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": {0.1, 0.2}}},
		Payload: payload.Document{"color": payload.String("red")},
	})
	require.NoError(t, err)
	require.True(t, applied)

	// Re-applying the same version is a no-op, not an error.
	applied, err = c.Upsert(ctx, model.PointRecord{
		ID:      model.NumID(42),
		Version: 1,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": {9, 9}}},
	})
	require.NoError(t, err)
	assert.False(t, applied)

	hits, err := c.Search(ctx, &segment.SearchRequest{
		VectorName: "text",
		Vector:     []float32{0.1, 0.2},
		K:          1,
		Params:     model.SearchParams{WithPayload: true},
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(42), hits[0].ID)
	assert.Zero(t, hits[0].Score, "exact match scores zero distance")
	v, ok := hits[0].Payload.Get("color")
	require.True(t, ok)
	s, _ := v.AsString()
	assert.Equal(t, "red", s)
}

func openShardReplica(t *testing.T, id model.ShardID, peer model.PeerID, schema *segment.Schema) *replication.LocalReplica {
	t.Helper()
	s, err := shard.Open(t.TempDir(), id, schema, shard.Options{
		WAL: wal.Options{Mode: wal.ModeSync},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return replication.NewLocalReplica(peer, s)
}

func TestReplicatedShardedUpsertAndFilteredSearch(t *testing.T) {
	cfg := testConfig(2)
	cfg.ReplicationFactor = 2
	targets := make(map[model.ShardID]Target, 2)
	sets := make(map[model.ShardID]*replication.ReplicaSet, 2)
	for i := uint32(0); i < 2; i++ {
		id := model.ShardID(i)
		rs := replication.NewReplicaSet(id,
			openShardReplica(t, id, 1, cfg.Schema),
			[]replication.Replica{openShardReplica(t, id, 2, cfg.Schema)},
			replication.Options{
				WriteLevel: replication.All,
				ReadLevel:  replication.All,
				AckTimeout: time.Second,
			})
		targets[id] = rs
		sets[id] = rs
	}
	c, err := New(cfg, targets, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := uint64(0); i < 20; i++ {
		_, err := c.Upsert(ctx, model.PointRecord{
			ID:      model.NumID(1000 + i),
			Version: 1,
			Vectors: model.Vectors{Dense: map[string][]float32{"text": {float32(i), 5}}},
			Payload: payload.Document{"color": payload.String("blue")},
		})
		require.NoError(t, err)
	}

	applied, err := c.Upsert(ctx, model.PointRecord{
		ID:      model.NumID(42),
		Version: 1,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": {0.3, 0.4}}},
		Payload: payload.Document{"color": payload.String("red")},
	})
	require.NoError(t, err)
	require.True(t, applied)

	// The repeated version-1 write is a no-op on every replica.
	applied, err = c.Upsert(ctx, model.PointRecord{
		ID:      model.NumID(42),
		Version: 1,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": {7, 7}}},
	})
	require.NoError(t, err)
	assert.False(t, applied)

	hits, err := c.Search(ctx, &segment.SearchRequest{
		VectorName: "text",
		Vector:     []float32{0.3, 0.4},
		K:          1,
		Filter:     payload.NewFilter(payload.Eq("color", payload.String("red"))),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(42), hits[0].ID)
	assert.Zero(t, hits[0].Score, "exact match scores zero distance")

	// Both replicas of the owning shard hold the original write.
	owner := c.Route(model.NumID(42))
	for _, r := range sets[owner].Replicas() {
		rec, found, err := r.Get(ctx, model.NumID(42))
		require.NoError(t, err)
		require.True(t, found, "peer %d", r.PeerID())
		assert.Equal(t, []float32{0.3, 0.4}, rec.Vectors.Dense["text"])
	}
}

func TestBatchUpsertRoutesAndReports(t *testing.T) {
	c := openCollection(t, 4)
	ctx := context.Background()

	recs := make([]model.PointRecord, 100)
	for i := range recs {
		recs[i] = model.PointRecord{
			ID:      model.NumID(uint64(i)),
			Version: 1,
			Vectors: model.Vectors{Dense: map[string][]float32{"text": {float32(i), 0}}},
		}
	}
	results, err := c.UpsertBatch(ctx, recs)
	require.NoError(t, err)
	require.Len(t, results, 100)
	for i, res := range results {
		assert.Equal(t, model.NumID(uint64(i)), res.ID)
		assert.True(t, res.Applied)
	}
	assert.Equal(t, uint64(100), c.Count())

	// Global top K merges across shards in score order.
	hits, err := c.Search(ctx, &segment.SearchRequest{
		VectorName: "text", Vector: []float32{50, 0}, K: 5,
	})
	require.NoError(t, err)
	require.Len(t, hits, 5)
	assert.Equal(t, model.NumID(50), hits[0].ID)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestGetRoutesToOwner(t *testing.T) {
	c := openCollection(t, 3)
	ctx := context.Background()

	for i := uint64(0); i < 30; i++ {
		_, err := c.Upsert(ctx, model.PointRecord{
			ID:      model.NumID(i),
			Version: 1,
			Vectors: model.Vectors{Dense: map[string][]float32{"text": {float32(i), 0}}},
		})
		require.NoError(t, err)
	}
	for i := uint64(0); i < 30; i++ {
		rec, ok, err := c.Get(ctx, model.NumID(i))
		require.NoError(t, err)
		require.True(t, ok, "point %d", i)
		assert.Equal(t, []float32{float32(i), 0}, rec.Vectors.Dense["text"])
	}
	_, ok, err := c.Get(ctx, model.NumID(999))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteByFilter(t *testing.T) {
	c := openCollection(t, 2)
	ctx := context.Background()

	for i := uint64(0); i < 40; i++ {
		color := "blue"
		if i%4 == 0 {
			color = "red"
		}
		_, err := c.Upsert(ctx, model.PointRecord{
			ID:      model.NumID(i),
			Version: 1,
			Vectors: model.Vectors{Dense: map[string][]float32{"text": {float32(i), 0}}},
			Payload: payload.Document{"color": payload.String(color)},
		})
		require.NoError(t, err)
	}

	n, err := c.DeleteByFilter(ctx, payload.NewFilter(
		payload.Eq("color", payload.String("red")),
	), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	assert.Equal(t, uint64(30), c.Count())

	hits, err := c.Search(ctx, &segment.SearchRequest{
		VectorName: "text",
		Vector:     []float32{0, 0},
		K:          40,
	})
	require.NoError(t, err)
	require.Len(t, hits, 30)
	for _, h := range hits {
		num, _ := h.ID.Uint64()
		assert.NotZero(t, num%4, "red point %d should be gone", num)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)

	cfg := testConfig(2)
	_, err = New(cfg, map[model.ShardID]Target{}, nil)
	require.Error(t, err, "missing shard targets are rejected")
}
