package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pierrec/lz4/v4"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/hnsw"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/payload/index"
	"github.com/peridotdb/peridot/queue"
)

// payloadCacheSize bounds the per-segment LRU of decoded payload
// documents. Vectors and graphs are memory-resident; payloads are read
// from the file on demand.
const payloadCacheSize = 4096

// tombSuffix is the sidecar holding the segment's tombstone bitmap.
const tombSuffix = ".tomb"

// Immutable is a read-only segment backed by one checksummed file. The
// only mutation it admits is tombstoning, tracked in a roaring bitmap
// persisted to a sidecar so restarts keep deletes visible.
type Immutable struct {
	id       model.SegmentID
	path     string
	f        *os.File
	size     int64
	schema   *Schema
	rowCount uint32

	ids      []model.PointID
	versions []model.Version
	dense    map[string][]float32
	sparse   map[string][]model.SparseVector
	graphs   map[string]*hnsw.Graph
	distFns  map[string]distance.Func
	registry *index.Registry
	byID     map[model.PointID]uint32

	payloadBase    int64
	payloadOffsets []uint64
	cache          *lru.Cache[uint32, payload.Document]

	mu      sync.RWMutex // guards deleted
	deleted *roaring.Bitmap
}

// Open loads an immutable segment file. Any checksum or structural
// failure surfaces as a storage error; the caller must not serve the
// segment in that case.
func Open(path string) (*Immutable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberr.StorageIO("open segment", err)
	}
	seg, err := load(f, path)
	if err != nil {
		f.Close()
		return nil, dberr.StorageIO("load segment", err)
	}
	return seg, nil
}

func load(f *os.File, path string) (*Immutable, error) {
	dir, err := readDirectory(f)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	metaRaw, err := readSection(f, dir, sectionMeta)
	if err != nil {
		return nil, err
	}
	var meta segmentMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	if meta.Schema == nil {
		return nil, fmt.Errorf("meta has no schema")
	}

	cache, err := lru.New[uint32, payload.Document](payloadCacheSize)
	if err != nil {
		return nil, err
	}
	seg := &Immutable{
		id:       meta.ID,
		path:     path,
		f:        f,
		size:     fi.Size(),
		schema:   meta.Schema,
		rowCount: meta.RowCount,
		dense:    make(map[string][]float32),
		sparse:   make(map[string][]model.SparseVector),
		graphs:   make(map[string]*hnsw.Graph),
		distFns:  make(map[string]distance.Func),
		registry: index.NewRegistry(),
		byID:     make(map[model.PointID]uint32, meta.RowCount),
		cache:    cache,
		deleted:  roaring.New(),
	}

	if err := seg.loadRows(f, dir); err != nil {
		return nil, err
	}
	if err := seg.loadDense(f, dir); err != nil {
		return nil, err
	}
	if err := seg.loadSparse(f, dir); err != nil {
		return nil, err
	}
	if err := seg.loadPayloads(f, dir); err != nil {
		return nil, err
	}
	if err := seg.loadGraphs(f, dir); err != nil {
		return nil, err
	}
	if err := seg.loadTombstones(); err != nil {
		return nil, err
	}
	return seg, nil
}

func (s *Immutable) loadRows(f *os.File, dir map[sectionID]sectionEntry) error {
	raw, err := readSection(f, dir, sectionRows)
	if err != nil {
		return err
	}
	s.ids = make([]model.PointID, 0, s.rowCount)
	s.versions = make([]model.Version, 0, s.rowCount)
	for row := uint32(0); row < s.rowCount; row++ {
		id, n, err := model.DecodePointID(raw)
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		raw = raw[n:]
		if len(raw) < 8 {
			return fmt.Errorf("row %d: truncated version", row)
		}
		s.ids = append(s.ids, id)
		s.versions = append(s.versions, model.Version(binary.LittleEndian.Uint64(raw)))
		raw = raw[8:]
		s.byID[id] = row
	}
	return nil
}

func (s *Immutable) loadDense(f *os.File, dir map[sectionID]sectionEntry) error {
	raw, err := readSection(f, dir, sectionDense)
	if err != nil {
		return err
	}
	for _, spec := range s.schema.Dense {
		name, rest, err := readNamed(raw)
		if err != nil {
			return err
		}
		if name != spec.Name {
			return fmt.Errorf("dense column order mismatch: %q", name)
		}
		raw = rest
		if len(raw) < 16 {
			return fmt.Errorf("dense %q: truncated header", name)
		}
		rawLen := binary.LittleEndian.Uint64(raw[:8])
		compLen := binary.LittleEndian.Uint64(raw[8:16])
		raw = raw[16:]

		var block []byte
		if compLen == 0 {
			if uint64(len(raw)) < rawLen {
				return fmt.Errorf("dense %q: truncated block", name)
			}
			block = raw[:rawLen]
			raw = raw[rawLen:]
		} else {
			if uint64(len(raw)) < compLen {
				return fmt.Errorf("dense %q: truncated block", name)
			}
			block = make([]byte, rawLen)
			n, err := lz4.UncompressBlock(raw[:compLen], block)
			if err != nil || uint64(n) != rawLen {
				return fmt.Errorf("dense %q: decompress: %w", name, err)
			}
			raw = raw[compLen:]
		}

		arena := make([]float32, rawLen/4)
		for i := range arena {
			arena[i] = math.Float32frombits(binary.LittleEndian.Uint32(block[i*4:]))
		}
		if len(arena) != int(s.rowCount)*spec.Dim {
			return fmt.Errorf("dense %q: %d floats for %d rows", name, len(arena), s.rowCount)
		}
		s.dense[spec.Name] = arena

		fn, err := distance.Provider(spec.Metric)
		if err != nil {
			return err
		}
		s.distFns[spec.Name] = fn
	}
	return nil
}

func (s *Immutable) loadSparse(f *os.File, dir map[sectionID]sectionEntry) error {
	raw, err := readSection(f, dir, sectionSparse)
	if err != nil {
		return err
	}
	for _, want := range s.schema.Sparse {
		name, rest, err := readNamed(raw)
		if err != nil {
			return err
		}
		if name != want {
			return fmt.Errorf("sparse column order mismatch: %q", name)
		}
		raw = rest
		if len(raw) < 4 {
			return fmt.Errorf("sparse %q: truncated", name)
		}
		count := binary.LittleEndian.Uint32(raw)
		raw = raw[4:]
		rows := make([]model.SparseVector, count)
		for i := range rows {
			if len(raw) < 4 {
				return fmt.Errorf("sparse %q: truncated row %d", name, i)
			}
			n := int(binary.LittleEndian.Uint32(raw))
			raw = raw[4:]
			if len(raw) < n*8 {
				return fmt.Errorf("sparse %q: truncated row %d", name, i)
			}
			if n == 0 {
				continue
			}
			sv := model.SparseVector{
				Indices: make([]uint32, n),
				Values:  make([]float32, n),
			}
			for j := 0; j < n; j++ {
				sv.Indices[j] = binary.LittleEndian.Uint32(raw[j*4:])
			}
			raw = raw[n*4:]
			for j := 0; j < n; j++ {
				sv.Values[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
			}
			raw = raw[n*4:]
			rows[i] = sv
		}
		s.sparse[name] = rows
	}
	return nil
}

// loadPayloads verifies the payload section, builds the payload indexes
// and keeps only the offset table resident. Documents are re-read lazily
// through the LRU afterwards.
func (s *Immutable) loadPayloads(f *os.File, dir map[sectionID]sectionEntry) error {
	raw, err := readSection(f, dir, sectionPayloads)
	if err != nil {
		return err
	}
	tableLen := (int(s.rowCount) + 1) * 8
	if len(raw) < tableLen {
		return fmt.Errorf("payload offset table truncated")
	}
	s.payloadOffsets = make([]uint64, s.rowCount+1)
	for i := range s.payloadOffsets {
		s.payloadOffsets[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	s.payloadBase = dir[sectionPayloads].offset + int64(tableLen)

	for field, kind := range s.schema.PayloadIndexes {
		if err := s.registry.Build(field, kind); err != nil {
			return err
		}
	}
	blobs := raw[tableLen:]
	for row := uint32(0); row < s.rowCount; row++ {
		start, end := s.payloadOffsets[row], s.payloadOffsets[row+1]
		if end < start || end > uint64(len(blobs)) {
			return fmt.Errorf("payload blob %d out of bounds", row)
		}
		var doc payload.Document
		if err := json.Unmarshal(blobs[start:end], &doc); err != nil {
			return fmt.Errorf("payload %d: %w", row, err)
		}
		s.registry.AddDocument(row, doc)
	}
	return nil
}

func (s *Immutable) loadGraphs(f *os.File, dir map[sectionID]sectionEntry) error {
	raw, err := readSection(f, dir, sectionGraphs)
	if err != nil {
		return err
	}
	for _, spec := range s.schema.Dense {
		name, rest, err := readNamed(raw)
		if err != nil {
			return err
		}
		if name != spec.Name {
			return fmt.Errorf("graph order mismatch: %q", name)
		}
		raw = rest
		if len(raw) < 8 {
			return fmt.Errorf("graph %q: truncated", name)
		}
		size := binary.LittleEndian.Uint64(raw)
		raw = raw[8:]
		if uint64(len(raw)) < size {
			return fmt.Errorf("graph %q: truncated body", name)
		}

		vecName := spec.Name
		dim := spec.Dim
		g := hnsw.New(s.distFns[spec.Name], func(row uint32) []float32 {
			arena := s.dense[vecName]
			return arena[int(row)*dim : (int(row)+1)*dim]
		}, spec.graphOptions()...)
		if _, err := g.ReadFrom(bytes.NewReader(raw[:size])); err != nil {
			return fmt.Errorf("graph %q: %w", name, err)
		}
		raw = raw[size:]
		s.graphs[spec.Name] = g
	}
	return nil
}

// loadTombstones restores the sidecar bitmap if one exists.
func (s *Immutable) loadTombstones() error {
	raw, err := os.ReadFile(s.path + tombSuffix)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode tombstones: %w", err)
	}
	s.deleted = bm
	return nil
}

// ID implements Segment.
func (s *Immutable) ID() model.SegmentID { return s.id }

// Schema returns the schema the segment was built with.
func (s *Immutable) Schema() *Schema { return s.schema }

// Path returns the backing file path.
func (s *Immutable) Path() string { return s.path }

// Info implements Segment.
func (s *Immutable) Info() Info {
	s.mu.RLock()
	tomb := uint32(s.deleted.GetCardinality())
	s.mu.RUnlock()
	return Info{
		ID:         s.id,
		RowCount:   s.rowCount,
		LiveCount:  s.rowCount - tomb,
		Tombstones: tomb,
		SizeBytes:  s.size,
	}
}

// VersionOf implements Segment.
func (s *Immutable) VersionOf(id model.PointID) (model.Version, bool, bool) {
	row, ok := s.byID[id]
	if !ok {
		return 0, false, false
	}
	s.mu.RLock()
	deleted := s.deleted.Contains(row)
	s.mu.RUnlock()
	return s.versions[row], deleted, true
}

// Tombstone marks a row deleted. The graph keeps the row so traversal
// connectivity is preserved; search filters it out. Persist the bitmap
// with SaveTombstones before acknowledging durability.
func (s *Immutable) Tombstone(row model.RowID) {
	s.mu.Lock()
	s.deleted.Add(uint32(row))
	s.mu.Unlock()
}

// RowOf resolves a point to its row in this segment.
func (s *Immutable) RowOf(id model.PointID) (model.RowID, bool) {
	row, ok := s.byID[id]
	return model.RowID(row), ok
}

// SaveTombstones writes the tombstone sidecar atomically.
func (s *Immutable) SaveTombstones() error {
	s.mu.RLock()
	data, err := s.deleted.MarshalBinary()
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	tmp := s.path + tombSuffix + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return dberr.StorageIO("write tombstones", err)
	}
	if err := os.Rename(tmp, s.path+tombSuffix); err != nil {
		return dberr.StorageIO("rename tombstones", err)
	}
	return nil
}

// Payload returns the decoded payload for a row, through the LRU.
func (s *Immutable) Payload(row uint32) (payload.Document, error) {
	if doc, ok := s.cache.Get(row); ok {
		return doc, nil
	}
	if row >= s.rowCount {
		return nil, fmt.Errorf("row %d out of range", row)
	}
	start, end := s.payloadOffsets[row], s.payloadOffsets[row+1]
	blob := make([]byte, end-start)
	if _, err := s.f.ReadAt(blob, s.payloadBase+int64(start)); err != nil {
		return nil, dberr.StorageIO("read payload", err)
	}
	var doc payload.Document
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("decode payload %d: %w", row, err)
	}
	s.cache.Add(row, doc)
	return doc, nil
}

// IterateVersions yields every row including tombstoned ones, for
// rebuilding the shard's point map on recovery and during segment swaps.
func (s *Immutable) IterateVersions(fn func(id model.PointID, row model.RowID, version model.Version, deleted bool)) {
	s.mu.RLock()
	deleted := s.deleted.Clone()
	s.mu.RUnlock()
	for row := uint32(0); row < s.rowCount; row++ {
		fn(s.ids[row], model.RowID(row), s.versions[row], deleted.Contains(row))
	}
}

// PayloadOf implements Segment.
func (s *Immutable) PayloadOf(row model.RowID) (payload.Document, error) {
	return s.Payload(uint32(row))
}

// VectorOf implements Segment.
func (s *Immutable) VectorOf(name string, row model.RowID) []float32 {
	spec, ok := s.schema.DenseSpec(name)
	if !ok {
		return nil
	}
	arena := s.dense[name]
	if int(row+1)*spec.Dim > len(arena) {
		return nil
	}
	return arena[int(row)*spec.Dim : (int(row)+1)*spec.Dim]
}

// Search implements Segment.
func (s *Immutable) Search(ctx context.Context, req *SearchRequest) ([]Hit, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, dberr.ClientInput("%v", err)
	}

	s.mu.RLock()
	deleted := s.deleted.Clone()
	s.mu.RUnlock()

	if req.Sparse != nil {
		return s.searchSparse(ctx, req, deleted)
	}

	spec, ok := s.schema.DenseSpec(req.VectorName)
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
	distFn := s.distFns[req.VectorName]
	arena := s.dense[req.VectorName]
	vecAt := func(row uint32) []float32 {
		return arena[int(row)*spec.Dim : (int(row)+1)*spec.Dim]
	}

	accept := func(row uint32) bool {
		if deleted.Contains(row) {
			return false
		}
		if req.Filter.IsEmpty() {
			return true
		}
		doc, err := s.Payload(row)
		if err != nil {
			return false
		}
		return req.Filter.Matches(doc)
	}

	live := uint64(s.rowCount) - deleted.GetCardinality()
	if !req.Filter.IsEmpty() {
		if sel, ok := s.registry.EstimateSelectivity(req.Filter, live); ok && sel <= req.PrefilterThreshold() {
			cands, _ := s.registry.Candidates(req.Filter)
			results := queue.NewMax(req.K)
			it := cands.Iterator()
			for it.HasNext() {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				row := it.Next()
				if row >= s.rowCount || !accept(row) {
					continue
				}
				pushCapped(results, queue.Item{Row: row, Distance: distFn(vecAt(row), query)}, req.K)
			}
			return s.drainHits(results), nil
		}
	}

	results := queue.NewMax(req.K)
	for _, it := range s.graphs[req.VectorName].Search(query, req.K, req.Params.EfSearch, accept) {
		pushCapped(results, it, req.K)
	}
	return s.drainHits(results), nil
}

func (s *Immutable) searchSparse(ctx context.Context, req *SearchRequest, deleted *roaring.Bitmap) ([]Hit, error) {
	if !s.schema.HasSparse(req.VectorName) {
		return nil, dberr.ClientInput("unknown sparse vector name %q", req.VectorName)
	}
	if err := req.Sparse.Validate(); err != nil {
		return nil, dberr.ClientInput("%v", err)
	}
	rows := s.sparse[req.VectorName]
	results := queue.NewMax(req.K)
	for row := uint32(0); row < uint32(len(rows)); row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if deleted.Contains(row) || len(rows[row].Indices) == 0 {
			continue
		}
		if !req.Filter.IsEmpty() {
			doc, err := s.Payload(row)
			if err != nil || !req.Filter.Matches(doc) {
				continue
			}
		}
		pushCapped(results, queue.Item{Row: row, Distance: -rows[row].Dot(*req.Sparse)}, req.K)
	}
	return s.drainHits(results), nil
}

func (s *Immutable) drainHits(results *queue.PriorityQueue) []Hit {
	items := results.Drain()
	hits := make([]Hit, len(items))
	for i, it := range items {
		hits[len(items)-1-i] = Hit{
			Row:     model.RowID(it.Row),
			ID:      s.ids[it.Row],
			Version: s.versions[it.Row],
			Score:   it.Distance,
		}
	}
	return hits
}

// IterateLive implements Segment.
func (s *Immutable) IterateLive(fn func(rec Record) error) error {
	s.mu.RLock()
	deleted := s.deleted.Clone()
	s.mu.RUnlock()

	for row := uint32(0); row < s.rowCount; row++ {
		if deleted.Contains(row) {
			continue
		}
		doc, err := s.Payload(row)
		if err != nil {
			return err
		}
		rec := Record{
			Row:     model.RowID(row),
			ID:      s.ids[row],
			Version: s.versions[row],
			Payload: doc,
		}
		rec.Dense = make(map[string][]float32, len(s.schema.Dense))
		for _, spec := range s.schema.Dense {
			arena := s.dense[spec.Name]
			rec.Dense[spec.Name] = arena[int(row)*spec.Dim : (int(row)+1)*spec.Dim]
		}
		if len(s.schema.Sparse) > 0 {
			rec.Sparse = make(map[string]model.SparseVector, len(s.schema.Sparse))
			for _, name := range s.schema.Sparse {
				if sv := s.sparse[name][row]; len(sv.Indices) > 0 {
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

// Close releases the backing file.
func (s *Immutable) Close() error {
	return s.f.Close()
}

// Remove closes the segment and deletes its file and sidecar. The caller
// must guarantee no readers remain.
func (s *Immutable) Remove() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.path + tombSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readNamed(raw []byte) (string, []byte, error) {
	if len(raw) < 2 {
		return "", nil, fmt.Errorf("truncated name")
	}
	n := int(binary.LittleEndian.Uint16(raw))
	if len(raw) < 2+n {
		return "", nil, fmt.Errorf("truncated name")
	}
	return string(raw[2 : 2+n]), raw[2+n:], nil
}
