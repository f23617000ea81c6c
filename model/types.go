package model

import (
	"fmt"

	"github.com/peridotdb/peridot/payload"
)

// SegmentID is the unique identifier for a segment within a shard.
type SegmentID uint64

// RowID is a dense, segment-local identifier for a record.
// It is transient and may change during merge/vacuum.
type RowID uint32

// Version is the per-point operation sequence number. A write carrying a
// version less than or equal to the stored version is a no-op.
type Version uint64

// ShardID identifies a shard within a collection.
type ShardID uint32

// PeerID identifies a node in the cluster.
type PeerID uint64

// Location identifies a specific copy of a point inside a shard.
type Location struct {
	SegmentID SegmentID
	RowID     RowID
}

// String returns a string representation of the Location.
func (l Location) String() string {
	return fmt.Sprintf("Loc(%d:%d)", l.SegmentID, l.RowID)
}

// SparseVector is a sparse index/value vector. Indices must be strictly
// increasing.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Dot computes the dot product of two sparse vectors.
func (v SparseVector) Dot(other SparseVector) float32 {
	var sum float32
	i, j := 0, 0
	for i < len(v.Indices) && j < len(other.Indices) {
		switch {
		case v.Indices[i] == other.Indices[j]:
			sum += v.Values[i] * other.Values[j]
			i++
			j++
		case v.Indices[i] < other.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Validate checks index ordering and length agreement.
func (v SparseVector) Validate() error {
	if len(v.Indices) != len(v.Values) {
		return fmt.Errorf("sparse vector: %d indices but %d values", len(v.Indices), len(v.Values))
	}
	for i := 1; i < len(v.Indices); i++ {
		if v.Indices[i] <= v.Indices[i-1] {
			return fmt.Errorf("sparse vector: indices not strictly increasing at %d", i)
		}
	}
	return nil
}

// Vectors holds the named vectors of one point. A collection schema
// declares which names exist and their dimensionality/metric.
type Vectors struct {
	Dense  map[string][]float32    `json:"dense,omitempty"`
	Sparse map[string]SparseVector `json:"sparse,omitempty"`
}

// PointRecord is one full point as supplied by a client write.
type PointRecord struct {
	ID      PointID
	Vectors Vectors
	Payload payload.Document
	Version Version
}

// ScoredPoint is one search result.
type ScoredPoint struct {
	ID      PointID
	Version Version
	Score   float32
	Payload payload.Document
	Vector  []float32
}

// SearchParams tunes a single search request.
type SearchParams struct {
	// EfSearch bounds the candidate frontier during graph traversal.
	// Larger values improve recall at the cost of latency. 0 uses the
	// index default.
	EfSearch int

	// PrefilterThreshold is the filter selectivity (fraction of live
	// points) below which the engine bypasses graph traversal and
	// brute-force scores the candidates reported by the payload indexes.
	// 0 uses the engine default.
	PrefilterThreshold float64

	// WithPayload materializes result payloads.
	WithPayload bool

	// WithVector materializes result vectors.
	WithVector bool
}
