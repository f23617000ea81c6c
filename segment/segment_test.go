package segment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s := &Schema{
		Dense: []VectorSpec{
			{Name: "text", Dim: 2, Metric: distance.MetricL2},
		},
		Sparse: []string{"bm25"},
		PayloadIndexes: map[string]index.Kind{
			"color": index.KindKeyword,
		},
	}
	require.NoError(t, s.Validate())
	return s
}

func upsert(t *testing.T, a *Appendable, id uint64, version model.Version, vec []float32, doc payload.Document) bool {
	t.Helper()
	applied, err := a.Upsert(model.PointRecord{
		ID:      model.NumID(id),
		Version: version,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": vec}},
		Payload: doc,
	})
	require.NoError(t, err)
	return applied
}

func TestAppendableUpsertAndSearch(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	require.True(t, upsert(t, a, 1, 1, []float32{0, 0}, payload.Document{"color": payload.String("red")}))
	require.True(t, upsert(t, a, 2, 1, []float32{1, 0}, payload.Document{"color": payload.String("blue")}))
	require.True(t, upsert(t, a, 3, 1, []float32{5, 5}, payload.Document{"color": payload.String("red")}))

	hits, err := a.Search(context.Background(), &SearchRequest{
		VectorName: "text",
		Vector:     []float32{0.1, 0},
		K:          2,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.NumID(1), hits[0].ID)
	assert.Equal(t, model.NumID(2), hits[1].ID)
	assert.LessOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestAppendableVersionGate(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	require.True(t, upsert(t, a, 42, 3, []float32{1, 1}, nil))

	// Same and older versions are accepted no-ops.
	assert.False(t, upsert(t, a, 42, 3, []float32{9, 9}, nil))
	assert.False(t, upsert(t, a, 42, 2, []float32{9, 9}, nil))

	v, deleted, ok := a.VersionOf(model.NumID(42))
	require.True(t, ok)
	assert.False(t, deleted)
	assert.Equal(t, model.Version(3), v)

	// Newer version supersedes; the old row is tombstoned.
	require.True(t, upsert(t, a, 42, 4, []float32{2, 2}, nil))
	info := a.Info()
	assert.Equal(t, uint32(2), info.RowCount)
	assert.Equal(t, uint32(1), info.LiveCount)

	hits, err := a.Search(context.Background(), &SearchRequest{
		VectorName: "text", Vector: []float32{2, 2}, K: 10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.Version(4), hits[0].Version)
}

func TestAppendableDeleteGate(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	require.True(t, upsert(t, a, 7, 1, []float32{1, 0}, nil))

	applied, err := a.Delete(model.NumID(7), 1)
	require.NoError(t, err)
	assert.False(t, applied, "delete at stored version is a no-op")

	applied, err = a.Delete(model.NumID(7), 2)
	require.NoError(t, err)
	assert.True(t, applied)

	v, deleted, ok := a.VersionOf(model.NumID(7))
	require.True(t, ok)
	assert.True(t, deleted)
	assert.Equal(t, model.Version(2), v)

	// A stale upsert after the delete must not resurrect the point.
	assert.False(t, upsert(t, a, 7, 2, []float32{1, 0}, nil))
	require.True(t, upsert(t, a, 7, 3, []float32{1, 0}, nil))

	// Deletes for points never stored here leave a version marker.
	applied, err = a.Delete(model.NumID(1000), 5)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, upsert(t, a, 1000, 4, []float32{0, 1}, nil))
}

func TestAppendableFilteredSearch(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	for i := uint64(0); i < 50; i++ {
		color := "blue"
		if i%10 == 0 {
			color = "red"
		}
		require.True(t, upsert(t, a, i, 1, []float32{float32(i), 0}, payload.Document{
			"color": payload.String(color),
		}))
	}

	hits, err := a.Search(context.Background(), &SearchRequest{
		VectorName: "text",
		Vector:     []float32{0, 0},
		K:          3,
		Filter:     payload.NewFilter(payload.Eq("color", payload.String("red"))),
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		n, _ := h.ID.Uint64()
		assert.Zero(t, n%10, "hit %v should be red", h.ID)
	}
	assert.Equal(t, model.NumID(0), hits[0].ID)
}

func TestAppendablePrefilterPath(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	for i := uint64(0); i < 300; i++ {
		color := "common"
		if i == 250 {
			color = "rare"
		}
		require.True(t, upsert(t, a, i, 1, []float32{float32(i), 0}, payload.Document{
			"color": payload.String(color),
		}))
	}

	// One matching row out of 300 is far below the default threshold, so
	// the index candidates are scored directly.
	hits, err := a.Search(context.Background(), &SearchRequest{
		VectorName: "text",
		Vector:     []float32{0, 0},
		K:          5,
		Filter:     payload.NewFilter(payload.Eq("color", payload.String("rare"))),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(250), hits[0].ID)
}

func TestPrefilterPathMatchesSubstrings(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	for i := uint64(0); i < 300; i++ {
		color := "blue"
		if i == 250 {
			color = "dark-red"
		}
		require.True(t, upsert(t, a, i, 1, []float32{float32(i), 0}, payload.Document{
			"color": payload.String(color),
		}))
	}

	// A contains filter accepts rows the exact posting does not hold;
	// the candidate-scored path must still surface them.
	hits, err := a.Search(context.Background(), &SearchRequest{
		VectorName: "text",
		Vector:     []float32{0, 0},
		K:          3,
		Filter:     payload.NewFilter(payload.Contains("color", payload.String("red"))),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.NumID(250), hits[0].ID)
}

func TestAppendableSparseSearch(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	add := func(id uint64, sv model.SparseVector) {
		applied, err := a.Upsert(model.PointRecord{
			ID:      model.NumID(id),
			Version: 1,
			Vectors: model.Vectors{
				Dense:  map[string][]float32{"text": {0, 0}},
				Sparse: map[string]model.SparseVector{"bm25": sv},
			},
		})
		require.NoError(t, err)
		require.True(t, applied)
	}
	add(1, model.SparseVector{Indices: []uint32{1, 5}, Values: []float32{1, 2}})
	add(2, model.SparseVector{Indices: []uint32{5, 9}, Values: []float32{3, 1}})

	q := model.SparseVector{Indices: []uint32{5}, Values: []float32{1}}
	hits, err := a.Search(context.Background(), &SearchRequest{
		VectorName: "bm25",
		Sparse:     &q,
		K:          2,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.NumID(2), hits[0].ID, "higher dot product ranks first")
	assert.InDelta(t, -3.0, hits[0].Score, 1e-6)
}

func TestSchemaValidation(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)

	_, err = a.Upsert(model.PointRecord{
		ID:      model.NumID(1),
		Version: 1,
		Vectors: model.Vectors{Dense: map[string][]float32{"text": {1, 2, 3}}},
	})
	var dm *dberr.DimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 2, dm.Expected)
	assert.ErrorIs(t, err, dberr.ErrClientInput)

	_, err = a.Upsert(model.PointRecord{
		ID:      model.NumID(1),
		Version: 1,
		Vectors: model.Vectors{Dense: map[string][]float32{"nope": {1, 2}}},
	})
	require.ErrorIs(t, err, dberr.ErrClientInput)

	_, err = a.Search(context.Background(), &SearchRequest{
		VectorName: "nope", Vector: []float32{1, 2}, K: 1,
	})
	require.ErrorIs(t, err, dberr.ErrClientInput)
}

func buildImmutable(t *testing.T, a *Appendable, id model.SegmentID) *Immutable {
	t.Helper()
	b, err := NewBuilder(a.Schema())
	require.NoError(t, err)
	require.NoError(t, a.IterateLive(func(rec Record) error {
		return b.Add(rec)
	}))
	path := filepath.Join(t.TempDir(), "seg.psg")
	require.NoError(t, b.Write(path, id))
	seg, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestImmutableRoundTrip(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)
	for i := uint64(0); i < 100; i++ {
		doc := payload.Document{"color": payload.String("blue"), "n": payload.Int(int64(i))}
		require.True(t, upsert(t, a, i, model.Version(i+1), []float32{float32(i), 1}, doc))
	}

	seg := buildImmutable(t, a, 2)
	assert.Equal(t, model.SegmentID(2), seg.ID())

	info := seg.Info()
	assert.Equal(t, uint32(100), info.RowCount)
	assert.Equal(t, uint32(100), info.LiveCount)

	v, deleted, ok := seg.VersionOf(model.NumID(33))
	require.True(t, ok)
	assert.False(t, deleted)
	assert.Equal(t, model.Version(34), v)

	hits, err := seg.Search(context.Background(), &SearchRequest{
		VectorName: "text", Vector: []float32{50, 1}, K: 3,
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, model.NumID(50), hits[0].ID)

	// Payloads survive and filters apply.
	hits, err = seg.Search(context.Background(), &SearchRequest{
		VectorName: "text",
		Vector:     []float32{0, 1},
		K:          5,
		Filter:     payload.NewFilter(payload.Range("n", payload.OpGreaterEqual, payload.Int(90))),
	})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		n, _ := h.ID.Uint64()
		assert.GreaterOrEqual(t, n, uint64(90))
	}
}

func TestImmutableTombstonePersistence(t *testing.T) {
	a, err := NewAppendable(1, testSchema(t))
	require.NoError(t, err)
	for i := uint64(0); i < 10; i++ {
		require.True(t, upsert(t, a, i, 1, []float32{float32(i), 0}, nil))
	}

	seg := buildImmutable(t, a, 3)
	row, ok := seg.RowOf(model.NumID(4))
	require.True(t, ok)
	seg.Tombstone(row)
	require.NoError(t, seg.SaveTombstones())

	path := seg.Path()
	require.NoError(t, seg.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, deleted, ok := reopened.VersionOf(model.NumID(4))
	require.True(t, ok)
	assert.True(t, deleted)

	hits, err := reopened.Search(context.Background(), &SearchRequest{
		VectorName: "text", Vector: []float32{4, 0}, K: 10,
	})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, model.NumID(4), h.ID)
	}
	assert.Len(t, hits, 9)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.psg")
	require.NoError(t, writeGarbage(path))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dberr.ErrStorageIO))
}

func writeGarbage(path string) error {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return os.WriteFile(path, data, 0o644)
}
