package shard

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/wal"
)

func testSchema() *segment.Schema {
	return &segment.Schema{
		Dense: []segment.VectorSpec{
			{Name: "text", Dim: 2, Metric: distance.MetricL2},
		},
		PayloadIndexes: map[string]index.Kind{
			"color": index.KindKeyword,
		},
	}
}

func testOptions() Options {
	return Options{WAL: wal.Options{Mode: wal.ModeSync}}
}

func openShard(t *testing.T, dir string) *Shard {
	t.Helper()
	s, err := Open(dir, 1, testSchema(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *Shard, id uint64, version model.Version, vec []float32, doc payload.Document) bool {
	t.Helper()
	applied, err := s.Upsert(context.Background(), model.PointRecord{
		ID:      model.NumID(id),
		Version: version,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": vec}},
		Payload: doc,
	})
	require.NoError(t, err)
	return applied
}

func search(t *testing.T, s *Shard, vec []float32, k int) []model.ScoredPoint {
	t.Helper()
	out, err := s.Search(context.Background(), &segment.SearchRequest{
		VectorName: "text",
		Vector:     vec,
		K:          k,
		Params:     model.SearchParams{WithPayload: true},
	})
	require.NoError(t, err)
	return out
}

func TestShardWriteSearchGet(t *testing.T) {
	s := openShard(t, t.TempDir())

	require.True(t, put(t, s, 42, 1, []float32{0.1, 0.2}, payload.Document{
		"color": payload.String("red"),
	}))

	hits := search(t, s, []float32{0.1, 0.2}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(42), hits[0].ID)
	assert.Zero(t, hits[0].Score)
	v, ok := hits[0].Payload.Get("color")
	require.True(t, ok)
	str, _ := v.AsString()
	assert.Equal(t, "red", str)

	rec, ok, err := s.Get(context.Background(), model.NumID(42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Version(1), rec.Version)
	assert.Equal(t, []float32{0.1, 0.2}, rec.Vectors.Dense["text"])

	// Re-applying the same version is a successful no-op.
	assert.False(t, put(t, s, 42, 1, []float32{9, 9}, nil))
	hits = search(t, s, []float32{0.1, 0.2}, 1)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].Score, "stale write must not change the stored vector")
}

func TestShardCrashRecovery(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)

	for i := uint64(1); i <= 20; i++ {
		require.True(t, put(t, s, i, model.Version(i), []float32{float32(i), 0}, nil))
	}
	require.NoError(t, s.Flush(context.Background()))

	// Writes after the flush live only in the WAL.
	require.True(t, put(t, s, 21, 21, []float32{21, 0}, nil))
	applied, err := s.Delete(context.Background(), model.NumID(5), 22)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, s.Close())

	s2 := openShard(t, dir)
	assert.Equal(t, uint64(20), s2.CountLive())

	rec, ok, err := s2.Get(context.Background(), model.NumID(21))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Version(21), rec.Version)

	_, ok, err = s2.Get(context.Background(), model.NumID(5))
	require.NoError(t, err)
	assert.False(t, ok, "delete must survive the restart")

	// The version gate survives too.
	assert.False(t, put(t, s2, 5, 21, []float32{5, 0}, nil))
	assert.True(t, put(t, s2, 5, 23, []float32{5, 0}, nil))
}

func TestShardDeleteMarkerSurvivesFlush(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)

	// Delete a point the shard never stored, then flush and restart. The
	// marker must keep gating stale upserts.
	applied, err := s.Delete(context.Background(), model.NumID(7), 10)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Close())

	s2 := openShard(t, dir)
	assert.False(t, put(t, s2, 7, 9, []float32{1, 1}, nil))
	assert.True(t, put(t, s2, 7, 11, []float32{1, 1}, nil))
}

func TestShardFlushKeepsSearchable(t *testing.T) {
	s := openShard(t, t.TempDir())
	for i := uint64(1); i <= 10; i++ {
		require.True(t, put(t, s, i, 1, []float32{float32(i), 0}, nil))
	}
	require.NoError(t, s.Flush(context.Background()))

	// A newer version written after the flush supersedes the flushed row.
	require.True(t, put(t, s, 3, 2, []float32{100, 0}, nil))

	hits := search(t, s, []float32{3, 0}, 3)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		if h.ID == model.NumID(3) {
			t.Fatalf("superseded copy of point 3 surfaced at distance %f", h.Score)
		}
	}

	hits = search(t, s, []float32{100, 0}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(3), hits[0].ID)
	assert.Equal(t, model.Version(2), hits[0].Version)
}

func TestShardReplaceSegments(t *testing.T) {
	s := openShard(t, t.TempDir())
	for i := uint64(1); i <= 10; i++ {
		require.True(t, put(t, s, i, 1, []float32{float32(i), 0}, nil))
	}
	require.NoError(t, s.Flush(context.Background()))
	for i := uint64(11); i <= 20; i++ {
		require.True(t, put(t, s, i, 1, []float32{float32(i), 0}, nil))
	}
	require.NoError(t, s.Flush(context.Background()))

	immutables, _, release := s.Snapshot()
	require.Len(t, immutables, 2)

	builder, err := segment.NewBuilder(s.Schema())
	require.NoError(t, err)
	var removeIDs []model.SegmentID
	for _, seg := range immutables {
		removeIDs = append(removeIDs, seg.ID())
		require.NoError(t, seg.IterateLive(func(rec segment.Record) error {
			return builder.Add(rec)
		}))
	}
	release()

	// A write lands between rebuild and commit; the merged copy of that
	// point must not resurface.
	require.True(t, put(t, s, 4, 2, []float32{400, 0}, nil))

	newID := s.AllocSegmentID()
	path := s.SegmentPath(newID)
	require.NoError(t, builder.Write(path, newID))
	merged, err := segment.Open(path)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceSegments(removeIDs, []*segment.Immutable{merged}))

	infos := s.Infos()
	require.Len(t, infos, 2, "one merged segment plus the appendable")

	hits := search(t, s, []float32{4, 0}, 3)
	for _, h := range hits {
		if h.ID == model.NumID(4) {
			t.Fatalf("stale merged copy of point 4 surfaced")
		}
	}
	hits = search(t, s, []float32{400, 0}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, model.Version(2), hits[0].Version)

	assert.Equal(t, uint64(20), s.CountLive())
}

func TestShardDegradesOnCorruptSegment(t *testing.T) {
	dir := t.TempDir()
	s := openShard(t, dir)
	for i := uint64(1); i <= 5; i++ {
		require.True(t, put(t, s, i, 1, []float32{float32(i), 0}, nil))
	}
	require.NoError(t, s.Flush(context.Background()))
	for i := uint64(6); i <= 10; i++ {
		require.True(t, put(t, s, i, 1, []float32{float32(i), 0}, nil))
	}
	require.NoError(t, s.Flush(context.Background()))
	path := s.SegmentPath(1)
	require.NoError(t, s.Close())

	// Flip bytes in the middle of the first segment file.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for i := len(data) / 2; i < len(data)/2+8 && i < len(data); i++ {
		data[i] ^= 0xff
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s2, err := Open(dir, 1, testSchema(), testOptions())
	require.NoError(t, err, "a corrupt segment degrades the shard, it does not fail open")
	defer s2.Close()
	assert.True(t, s2.Degraded())

	// Reads keep serving from the segments that loaded.
	hits := search(t, s2, []float32{6, 0}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(6), hits[0].ID)

	// Writes are still accepted so the replica can be caught up.
	assert.True(t, put(t, s2, 100, 1, []float32{1, 1}, nil))
	hits = search(t, s2, []float32{1, 1}, 1)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(100), hits[0].ID)
}
