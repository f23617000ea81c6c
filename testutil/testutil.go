// Package testutil provides deterministic vector corpora and an exact
// nearest-neighbor oracle for recall tests.
package testutil

import (
	"math/rand"
	"sort"

	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/queue"
)

// Corpus generates n deterministic pseudo-random vectors of the given
// dimensionality in [-1, 1).
func Corpus(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic test data
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

// BruteForce scans every vector and returns the k nearest to q in
// best-first order, the exact answer an approximate index is measured
// against. accept, when non-nil, restricts the candidate rows.
func BruteForce(vectors [][]float32, q []float32, k int, dist distance.Func, accept func(row uint32) bool) []queue.Item {
	items := make([]queue.Item, 0, len(vectors))
	for i, v := range vectors {
		row := uint32(i)
		if accept != nil && !accept(row) {
			continue
		}
		items = append(items, queue.Item{Row: row, Distance: dist(v, q)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Distance < items[j].Distance })
	if len(items) > k {
		items = items[:k]
	}
	return items
}

// Recall measures the fraction of the exact result set present in the
// approximate one.
func Recall(got, want []queue.Item) float64 {
	if len(want) == 0 {
		return 1
	}
	exact := make(map[uint32]struct{}, len(want))
	for _, it := range want {
		exact[it.Row] = struct{}{}
	}
	hits := 0
	for _, it := range got {
		if _, ok := exact[it.Row]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
