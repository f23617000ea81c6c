package segment

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/hnsw"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
	"github.com/peridotdb/peridot/queue"
)

// Appendable is the mutable segment at the head of a shard. It enforces
// single-writer-multiple-readers access: writes serialize on the segment
// write lock, reads share it. Durability is the owning shard's WAL; an
// appendable segment itself is memory-resident until frozen.
type Appendable struct {
	mu     sync.RWMutex
	id     model.SegmentID
	schema *Schema

	// Columnar row storage. dense arenas are flattened with the vector
	// dimension as stride.
	dense    map[string][]float32
	sparse   map[string][]model.SparseVector
	ids      []model.PointID
	versions []model.Version
	payloads []payload.Document
	deleted  *roaring.Bitmap

	// byID maps a point to its current row in this segment. markers
	// records delete versions for points whose data never lived here, so
	// the version gate stays addressable after cross-segment deletes.
	byID    map[model.PointID]uint32
	markers map[model.PointID]model.Version

	graphs    map[string]*hnsw.Graph
	unindexed map[string]*roaring.Bitmap
	distFns   map[string]distance.Func
	registry  *index.Registry
}

// NewAppendable creates an empty appendable segment for the schema.
func NewAppendable(id model.SegmentID, schema *Schema) (*Appendable, error) {
	a := &Appendable{
		id:        id,
		schema:    schema,
		dense:     make(map[string][]float32),
		sparse:    make(map[string][]model.SparseVector),
		deleted:   roaring.New(),
		byID:      make(map[model.PointID]uint32),
		markers:   make(map[model.PointID]model.Version),
		graphs:    make(map[string]*hnsw.Graph),
		unindexed: make(map[string]*roaring.Bitmap),
		distFns:   make(map[string]distance.Func),
		registry:  index.NewRegistry(),
	}
	for _, spec := range schema.Dense {
		fn, err := distance.Provider(spec.Metric)
		if err != nil {
			return nil, err
		}
		a.distFns[spec.Name] = fn
		a.dense[spec.Name] = nil
		a.unindexed[spec.Name] = roaring.New()

		name := spec.Name
		dim := spec.Dim
		a.graphs[name] = hnsw.New(fn, func(row uint32) []float32 {
			arena := a.dense[name]
			return arena[int(row)*dim : (int(row)+1)*dim]
		}, spec.graphOptions()...)
	}
	for _, name := range schema.Sparse {
		a.sparse[name] = nil
	}
	for field, kind := range schema.PayloadIndexes {
		if err := a.registry.Build(field, kind); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// ID returns the segment id.
func (a *Appendable) ID() model.SegmentID { return a.id }

// Schema returns the collection schema the segment was created with.
func (a *Appendable) Schema() *Schema { return a.schema }

// Upsert applies one write. applied is false when the stored version for
// the point is equal or newer; the caller treats that as a successful
// no-op, never an error.
func (a *Appendable) Upsert(rec model.PointRecord) (bool, error) {
	if err := a.schema.ValidateVectors(rec.Vectors); err != nil {
		return false, err
	}
	for _, spec := range a.schema.Dense {
		if _, ok := rec.Vectors.Dense[spec.Name]; !ok {
			return false, dberr.ClientInput("missing vector %q", spec.Name)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if stored, _, ok := a.versionLocked(rec.ID); ok && rec.Version <= stored {
		return false, nil
	}

	row := uint32(len(a.ids))
	for _, spec := range a.schema.Dense {
		vec := rec.Vectors.Dense[spec.Name]
		if spec.Metric.NormalizesAtWrite() {
			if normalized, ok := distance.NormalizeL2Copy(vec); ok {
				vec = normalized
			}
		}
		a.dense[spec.Name] = append(a.dense[spec.Name], vec...)
	}
	for _, name := range a.schema.Sparse {
		sv := rec.Vectors.Sparse[name] // zero vector when absent
		a.sparse[name] = append(a.sparse[name], sv)
	}
	a.ids = append(a.ids, rec.ID)
	a.versions = append(a.versions, rec.Version)
	a.payloads = append(a.payloads, rec.Payload.Clone())
	a.registry.AddDocument(row, rec.Payload)

	// Supersede the previous copy inside this segment.
	if oldRow, ok := a.byID[rec.ID]; ok {
		a.tombstoneRowLocked(oldRow)
	}
	a.byID[rec.ID] = row
	delete(a.markers, rec.ID)

	for name, g := range a.graphs {
		if g.Len() < SyncIndexLimit {
			if err := g.Insert(row); err != nil {
				return false, fmt.Errorf("index row %d: %w", row, err)
			}
		} else {
			a.unindexed[name].Add(row)
		}
	}
	return true, nil
}

// Delete tombstones a point under the same version gate as Upsert. A
// delete for a point this segment never held is recorded as a version
// marker so the gate survives until vacuum.
func (a *Appendable) Delete(id model.PointID, version model.Version) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored, _, ok := a.versionLocked(id)
	if ok && version <= stored {
		return false, nil
	}

	if row, exists := a.byID[id]; exists {
		a.tombstoneRowLocked(row)
		a.versions[row] = version
		delete(a.byID, id)
	}
	a.markers[id] = version
	return true, nil
}

func (a *Appendable) tombstoneRowLocked(row uint32) {
	if a.deleted.Contains(row) {
		return
	}
	a.deleted.Add(row)
	a.registry.RemoveDocument(row, a.payloads[row])
	for name, g := range a.graphs {
		g.Remove(row)
		a.unindexed[name].Remove(row)
	}
}

func (a *Appendable) versionLocked(id model.PointID) (model.Version, bool, bool) {
	if row, ok := a.byID[id]; ok {
		return a.versions[row], false, true
	}
	if v, ok := a.markers[id]; ok {
		return v, true, true
	}
	return 0, false, false
}

// VersionOf implements Segment.
func (a *Appendable) VersionOf(id model.PointID) (model.Version, bool, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, deleted, ok := a.versionLocked(id)
	return v, deleted, ok
}

// Info implements Segment.
func (a *Appendable) Info() Info {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var unindexed uint64
	for _, set := range a.unindexed {
		unindexed += set.GetCardinality()
	}
	total := uint32(len(a.ids))
	tomb := uint32(a.deleted.GetCardinality())

	var size int64
	for _, arena := range a.dense {
		size += int64(len(arena)) * 4
	}
	return Info{
		ID:         a.id,
		Appendable: true,
		RowCount:   total,
		LiveCount:  total - tomb,
		Tombstones: tomb,
		Unindexed:  uint32(unindexed),
		SizeBytes:  size,
	}
}

// Search implements Segment. The read lock is held for the duration so
// the result reflects exactly one point in time.
func (a *Appendable) Search(ctx context.Context, req *SearchRequest) ([]Hit, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, dberr.ClientInput("%v", err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if req.Sparse != nil {
		return a.searchSparseLocked(ctx, req)
	}

	spec, ok := a.schema.DenseSpec(req.VectorName)
	if !ok {
		return nil, dberr.ClientInput("unknown vector name %q", req.VectorName)
	}
	if len(req.Vector) != spec.Dim {
		return nil, &dberr.DimensionMismatch{Name: req.VectorName, Expected: spec.Dim, Actual: len(req.Vector)}
	}

	query := req.Vector
	if spec.Metric.NormalizesAtWrite() {
		if normalized, ok := distance.NormalizeL2Copy(query); ok {
			query = normalized
		}
	}
	distFn := a.distFns[req.VectorName]
	arena := a.dense[req.VectorName]
	vecAt := func(row uint32) []float32 {
		return arena[int(row)*spec.Dim : (int(row)+1)*spec.Dim]
	}

	accept := func(row uint32) bool {
		if a.deleted.Contains(row) {
			return false
		}
		return req.Filter.Matches(a.payloads[row])
	}

	live := uint64(len(a.ids)) - a.deleted.GetCardinality()

	// Early-stop heuristic: a highly selective filter skips graph
	// traversal entirely and scores the index candidates directly.
	if !req.Filter.IsEmpty() {
		if sel, ok := a.registry.EstimateSelectivity(req.Filter, live); ok && sel <= req.PrefilterThreshold() {
			cands, _ := a.registry.Candidates(req.Filter)
			return a.bruteForceLocked(ctx, query, distFn, vecAt, req, cands.Iterator(), accept)
		}
	}

	results := queue.NewMax(req.K)
	graph := a.graphs[req.VectorName]
	for _, it := range graph.Search(query, req.K, req.Params.EfSearch, accept) {
		pushCapped(results, it, req.K)
	}

	// Rows not yet linked into the graph are scored exactly so readers
	// never miss fresh writes.
	unindexed := a.unindexed[req.VectorName]
	if !unindexed.IsEmpty() {
		it := unindexed.Iterator()
		for it.HasNext() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			row := it.Next()
			if !accept(row) {
				continue
			}
			pushCapped(results, queue.Item{Row: row, Distance: distFn(vecAt(row), query)}, req.K)
		}
	}
	return a.drainHitsLocked(results), nil
}

func (a *Appendable) searchSparseLocked(ctx context.Context, req *SearchRequest) ([]Hit, error) {
	if !a.schema.HasSparse(req.VectorName) {
		return nil, dberr.ClientInput("unknown sparse vector name %q", req.VectorName)
	}
	if err := req.Sparse.Validate(); err != nil {
		return nil, dberr.ClientInput("%v", err)
	}
	rows := a.sparse[req.VectorName]
	results := queue.NewMax(req.K)
	for row := uint32(0); row < uint32(len(rows)); row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.deleted.Contains(row) || !req.Filter.Matches(a.payloads[row]) {
			continue
		}
		if len(rows[row].Indices) == 0 {
			continue
		}
		// Sparse scoring is maximum inner product; negate for the
		// smaller-is-better ordering.
		pushCapped(results, queue.Item{Row: row, Distance: -rows[row].Dot(*req.Sparse)}, req.K)
	}
	return a.drainHitsLocked(results), nil
}

func (a *Appendable) bruteForceLocked(ctx context.Context, query []float32, distFn distance.Func, vecAt func(uint32) []float32, req *SearchRequest, it roaring.IntPeekable, accept func(uint32) bool) ([]Hit, error) {
	results := queue.NewMax(req.K)
	for it.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := it.Next()
		if int(row) >= len(a.ids) || !accept(row) {
			continue
		}
		pushCapped(results, queue.Item{Row: row, Distance: distFn(vecAt(row), query)}, req.K)
	}
	return a.drainHitsLocked(results), nil
}

func (a *Appendable) drainHitsLocked(results *queue.PriorityQueue) []Hit {
	items := results.Drain() // worst-to-best
	hits := make([]Hit, len(items))
	for i, it := range items {
		hits[len(items)-1-i] = Hit{
			Row:     model.RowID(it.Row),
			ID:      a.ids[it.Row],
			Version: a.versions[it.Row],
			Score:   it.Distance,
		}
	}
	return hits
}

func pushCapped(pq *queue.PriorityQueue, it queue.Item, k int) {
	if pq.Len() < k {
		pq.PushItem(it)
		return
	}
	if it.Distance < pq.Top().Distance {
		pq.PopItem()
		pq.PushItem(it)
	}
}

// IterateLive implements Segment.
func (a *Appendable) IterateLive(fn func(rec Record) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for row := uint32(0); row < uint32(len(a.ids)); row++ {
		if a.deleted.Contains(row) {
			continue
		}
		rec := Record{
			Row:     model.RowID(row),
			ID:      a.ids[row],
			Version: a.versions[row],
			Payload: a.payloads[row],
		}
		rec.Dense = make(map[string][]float32, len(a.schema.Dense))
		for _, spec := range a.schema.Dense {
			arena := a.dense[spec.Name]
			rec.Dense[spec.Name] = arena[int(row)*spec.Dim : (int(row)+1)*spec.Dim]
		}
		if len(a.schema.Sparse) > 0 {
			rec.Sparse = make(map[string]model.SparseVector, len(a.schema.Sparse))
			for _, name := range a.schema.Sparse {
				if sv := a.sparse[name][row]; len(sv.Indices) > 0 {
					rec.Sparse[name] = sv
				}
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// RowOf resolves a point to its live row in this segment.
func (a *Appendable) RowOf(id model.PointID) (model.RowID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	row, ok := a.byID[id]
	return model.RowID(row), ok
}

// PayloadOf implements Segment.
func (a *Appendable) PayloadOf(row model.RowID) (payload.Document, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(row) >= len(a.payloads) {
		return nil, fmt.Errorf("row %d out of range", row)
	}
	return a.payloads[row], nil
}

// VectorOf implements Segment.
func (a *Appendable) VectorOf(name string, row model.RowID) []float32 {
	spec, ok := a.schema.DenseSpec(name)
	if !ok {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	arena := a.dense[name]
	if int(row+1)*spec.Dim > len(arena) {
		return nil
	}
	return arena[int(row)*spec.Dim : (int(row)+1)*spec.Dim]
}

// DeleteMarkers returns the recorded cross-segment delete versions.
// The shard consults them during recovery to rebuild its version map.
func (a *Appendable) DeleteMarkers() map[model.PointID]model.Version {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[model.PointID]model.Version, len(a.markers))
	for id, v := range a.markers {
		out[id] = v
	}
	return out
}

// BuildGraphs links every unindexed row into the segment's graphs. The
// optimizer calls this off the write path; the write lock is taken in
// short strides so writers are not starved.
func (a *Appendable) BuildGraphs(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.mu.Lock()
		var progressed bool
		for name, set := range a.unindexed {
			if set.IsEmpty() {
				continue
			}
			row := set.Minimum()
			set.Remove(row)
			if !a.deleted.Contains(row) {
				if err := a.graphs[name].Insert(row); err != nil {
					a.mu.Unlock()
					return err
				}
			}
			progressed = true
		}
		a.mu.Unlock()
		if !progressed {
			return nil
		}
	}
}

// Close implements Segment.
func (a *Appendable) Close() error { return nil }
