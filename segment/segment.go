// Package segment implements the atomic storage unit of a shard: vector
// storage, payload storage and the per-vector-name ANN graphs fused into
// one versioned, searchable unit.
//
// Segments come in two states. An Appendable segment is mutable and
// serves the shard's write path under a single-writer lock; it indexes
// rows into its graphs synchronously while small and defers to the
// optimizer beyond SyncIndexLimit. An Immutable segment is the
// read-optimized product of a flush, merge or vacuum: fully indexed,
// persisted to a single checksummed file, never mutated except for its
// tombstone set.
package segment

import (
	"context"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/hnsw"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
)

// SyncIndexLimit is the row count up to which an appendable segment links
// new rows into its graphs inline on the write path. Beyond it rows are
// only marked for background indexing so write latency stays bounded.
const SyncIndexLimit = 2000

// VectorSpec declares one named dense vector.
type VectorSpec struct {
	Name   string          `json:"name"`
	Dim    int             `json:"dim"`
	Metric distance.Metric `json:"metric"`

	// M and EfConstruction override hnsw.DefaultOptions when non-zero.
	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
}

// Schema fixes the vector names and payload indexes of a collection. It
// is immutable after collection creation.
type Schema struct {
	Dense          []VectorSpec          `json:"dense"`
	Sparse         []string              `json:"sparse,omitempty"`
	PayloadIndexes map[string]index.Kind `json:"payload_indexes,omitempty"`
}

// DenseSpec resolves a named dense vector spec.
func (s *Schema) DenseSpec(name string) (VectorSpec, bool) {
	for _, spec := range s.Dense {
		if spec.Name == name {
			return spec, true
		}
	}
	return VectorSpec{}, false
}

// HasSparse reports whether name is a declared sparse vector.
func (s *Schema) HasSparse(name string) bool {
	for _, n := range s.Sparse {
		if n == name {
			return true
		}
	}
	return false
}

// Validate rejects unusable schemas at collection creation.
func (s *Schema) Validate() error {
	if len(s.Dense) == 0 && len(s.Sparse) == 0 {
		return dberr.ClientInput("schema declares no vectors")
	}
	seen := make(map[string]struct{})
	for _, spec := range s.Dense {
		if spec.Dim <= 0 {
			return dberr.ClientInput("vector %q: dimension must be positive", spec.Name)
		}
		if _, ok := seen[spec.Name]; ok {
			return dberr.ClientInput("duplicate vector name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}
	}
	for _, name := range s.Sparse {
		if _, ok := seen[name]; ok {
			return dberr.ClientInput("duplicate vector name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ValidateVectors checks a write's vectors against the schema.
func (s *Schema) ValidateVectors(v model.Vectors) error {
	for name, vec := range v.Dense {
		spec, ok := s.DenseSpec(name)
		if !ok {
			return dberr.ClientInput("unknown vector name %q", name)
		}
		if len(vec) != spec.Dim {
			return &dberr.DimensionMismatch{Name: name, Expected: spec.Dim, Actual: len(vec)}
		}
	}
	for name, sv := range v.Sparse {
		if !s.HasSparse(name) {
			return dberr.ClientInput("unknown sparse vector name %q", name)
		}
		if err := sv.Validate(); err != nil {
			return dberr.ClientInput("sparse vector %q: %v", name, err)
		}
	}
	return nil
}

func (spec VectorSpec) graphOptions() []func(o *hnsw.Options) {
	return []func(o *hnsw.Options){func(o *hnsw.Options) {
		if spec.M > 0 {
			o.M = spec.M
		}
		if spec.EfConstruction > 0 {
			o.EfConstruction = spec.EfConstruction
		}
	}}
}

// SearchRequest is one ANN query against a segment.
type SearchRequest struct {
	// VectorName selects the named vector to search. Exactly one of
	// Vector (dense) or Sparse must be set.
	VectorName string
	Vector     []float32
	Sparse     *model.SparseVector

	K      int
	Filter *payload.Filter
	Params model.SearchParams
}

// DefaultPrefilterThreshold is the filter selectivity below which search
// bypasses graph traversal and brute-force scores the candidates from the
// payload indexes. Tunable per request via SearchParams.
const DefaultPrefilterThreshold = 0.01

// PrefilterThreshold resolves the request's effective threshold.
func (r *SearchRequest) PrefilterThreshold() float64 {
	if r.Params.PrefilterThreshold > 0 {
		return r.Params.PrefilterThreshold
	}
	return DefaultPrefilterThreshold
}

// Hit is one per-segment search result.
type Hit struct {
	Row     model.RowID
	ID      model.PointID
	Version model.Version
	Score   float32
}

// Record is one live row yielded by iteration.
type Record struct {
	Row     model.RowID
	ID      model.PointID
	Version model.Version
	Dense   map[string][]float32
	Sparse  map[string]model.SparseVector
	Payload payload.Document
}

// Info summarizes a segment for optimizer decisions and collection info.
type Info struct {
	ID         model.SegmentID
	Appendable bool
	RowCount   uint32 // total rows including tombstoned
	LiveCount  uint32
	Tombstones uint32
	Unindexed  uint32 // rows awaiting background graph insertion
	SizeBytes  int64
}

// TombstoneRatio returns the fraction of rows that are tombstoned.
func (i Info) TombstoneRatio() float64 {
	if i.RowCount == 0 {
		return 0
	}
	return float64(i.Tombstones) / float64(i.RowCount)
}

// Segment is the read contract shared by appendable and immutable
// segments. Writes go through the concrete Appendable type only.
type Segment interface {
	ID() model.SegmentID
	Info() Info

	// Search returns up to K hits that satisfy the filter, best-first.
	// The result is computed against an internally consistent snapshot:
	// concurrent writes are either fully visible or fully invisible per
	// point, never torn.
	Search(ctx context.Context, req *SearchRequest) ([]Hit, error)

	// VersionOf returns the stored version for a point addressable in
	// this segment, including tombstoned points.
	VersionOf(id model.PointID) (model.Version, bool, bool) // version, deleted, ok

	// IterateLive yields every live row. The callback must not retain
	// the record's slices across calls.
	IterateLive(fn func(rec Record) error) error

	// PayloadOf returns the payload stored for a row.
	PayloadOf(row model.RowID) (payload.Document, error)

	// VectorOf returns the stored dense vector for a row, nil when the
	// name is not declared.
	VectorOf(name string, row model.RowID) []float32

	Close() error
}
