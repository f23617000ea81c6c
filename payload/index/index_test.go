package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peridotdb/peridot/payload"
)

func buildRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Build("color", KindKeyword))
	require.NoError(t, r.Build("price", KindFloat))
	require.NoError(t, r.Build("loc", KindGeo))

	colors := []string{"red", "blue", "blue", "green", "red"}
	for row, c := range colors {
		r.AddDocument(uint32(row), payload.Document{
			"color": payload.String(c),
			"price": payload.Float(float64(row) * 10),
			"loc":   payload.Geo(13.4+float64(row)*0.5, 52.5),
		})
	}
	return r
}

func TestBuildRejectsKindChange(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Build("f", KindKeyword))
	require.NoError(t, r.Build("f", KindKeyword), "same kind is a no-op")
	require.Error(t, r.Build("f", KindInteger))
	require.Error(t, r.Build("g", Kind(42)))
	assert.Equal(t, map[string]Kind{"f": KindKeyword}, r.Kinds())
}

func TestKeywordCandidates(t *testing.T) {
	r := buildRegistry(t)

	set, ok := r.Candidates(payload.NewFilter(payload.Eq("color", payload.String("blue"))))
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2}, set.ToArray())

	set, ok = r.Candidates(payload.NewFilter(
		payload.In("color", payload.String("red"), payload.String("green")),
	))
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 3, 4}, set.ToArray())

	// Unseen value yields an empty, not missing, posting set.
	set, ok = r.Candidates(payload.NewFilter(payload.Eq("color", payload.String("mauve"))))
	require.True(t, ok)
	assert.True(t, set.IsEmpty())
}

func TestNumericRangeCandidates(t *testing.T) {
	r := buildRegistry(t)

	set, ok := r.Candidates(payload.NewFilter(
		payload.Range("price", payload.OpGreaterEqual, payload.Float(20)),
		payload.Range("price", payload.OpLessThan, payload.Float(40)),
	))
	require.True(t, ok)
	assert.Equal(t, []uint32{2, 3}, set.ToArray())
}

func TestConjunctionIntersects(t *testing.T) {
	r := buildRegistry(t)

	set, ok := r.Candidates(payload.NewFilter(
		payload.Eq("color", payload.String("red")),
		payload.Range("price", payload.OpGreaterThan, payload.Float(0)),
	))
	require.True(t, ok)
	assert.Equal(t, []uint32{4}, set.ToArray())
}

func TestGeoCandidates(t *testing.T) {
	r := buildRegistry(t)

	// ~34 km per 0.5 degrees of longitude at this latitude; a 40 km
	// radius around row 0 reaches only row 1.
	set, ok := r.Candidates(payload.NewFilter(
		payload.GeoRadius("loc", 13.4, 52.5, 40_000),
	))
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 1}, set.ToArray())
}

func TestUnindexedFilterHasNoCandidates(t *testing.T) {
	r := buildRegistry(t)

	_, ok := r.Candidates(payload.NewFilter(payload.Eq("brand", payload.String("acme"))))
	assert.False(t, ok)

	var nilFilter *payload.Filter
	_, ok = r.Candidates(nilFilter)
	assert.False(t, ok)
}

func TestRemoveDocument(t *testing.T) {
	r := buildRegistry(t)
	r.RemoveDocument(1, payload.Document{
		"color": payload.String("blue"),
		"price": payload.Float(10),
		"loc":   payload.Geo(13.9, 52.5),
	})

	set, ok := r.Candidates(payload.NewFilter(payload.Eq("color", payload.String("blue"))))
	require.True(t, ok)
	assert.Equal(t, []uint32{2}, set.ToArray())
}

func TestEstimateSelectivity(t *testing.T) {
	r := buildRegistry(t)

	sel, ok := r.EstimateSelectivity(payload.NewFilter(
		payload.Eq("color", payload.String("blue")),
	), 5)
	require.True(t, ok)
	assert.InDelta(t, 0.4, sel, 1e-9)

	_, ok = r.EstimateSelectivity(payload.NewFilter(
		payload.Eq("brand", payload.String("acme")),
	), 5)
	assert.False(t, ok)
}

func TestContainsCandidatesCoverSubstrings(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Build("color", KindKeyword))
	r.AddDocument(0, payload.Document{"color": payload.String("dark-red")})
	r.AddDocument(1, payload.Document{"color": payload.String("blue")})
	r.AddDocument(2, payload.Document{"color": payload.String("red")})

	// The candidate set must cover every row a substring match accepts,
	// not just the exact posting.
	set, ok := r.Candidates(payload.NewFilter(payload.Contains("color", payload.String("red"))))
	require.True(t, ok)
	assert.Equal(t, []uint32{0, 2}, set.ToArray())

	// Element equality on arrays still resolves through the per-element
	// postings.
	require.NoError(t, r.Build("tags", KindKeyword))
	r.AddDocument(3, payload.Document{
		"tags": payload.Array(payload.Int(7), payload.Int(9)),
	})
	set, ok = r.Candidates(payload.NewFilter(payload.Contains("tags", payload.Int(9))))
	require.True(t, ok)
	assert.Equal(t, []uint32{3}, set.ToArray())
}

func TestArrayFieldsPostEveryElement(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Build("tags", KindKeyword))
	r.AddDocument(0, payload.Document{
		"tags": payload.Array(payload.String("sale"), payload.String("new")),
	})

	for _, tag := range []string{"sale", "new"} {
		set, ok := r.Candidates(payload.NewFilter(payload.Eq("tags", payload.String(tag))))
		require.True(t, ok)
		assert.Equal(t, []uint32{0}, set.ToArray(), tag)
	}
}
