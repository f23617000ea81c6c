// Package shard implements the unit of data distribution: an ordered set
// of segments behind one write-ahead log, with crash recovery, a
// point-to-location map and atomic segment swaps for the optimizer.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/peridotdb/peridot/dberr"
	"github.com/peridotdb/peridot/model"
	"github.com/peridotdb/peridot/payload"
	"github.com/peridotdb/peridot/segment"
	"github.com/peridotdb/peridot/wal"
)

// Options configures a shard.
type Options struct {
	WAL    wal.Options
	Logger *slog.Logger

	// FlushThreshold is the appendable row count at which NeedsFlush
	// reports true.
	FlushThreshold uint32
}

// DefaultOptions is the shard default.
var DefaultOptions = Options{
	WAL:            wal.DefaultOptions,
	FlushThreshold: 20000,
}

type pkEntry struct {
	Loc     model.Location
	Version model.Version
	Deleted bool
}

// handle refcounts one immutable segment by view membership. A segment's
// file may only be reclaimed once no view, and therefore no reader,
// references it.
type handle struct {
	seg     *segment.Immutable
	refs    atomic.Int64
	retired atomic.Bool
}

func (h *handle) release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if h.retired.Load() {
		h.seg.Remove()
	} else {
		h.seg.Close()
	}
}

// view is one refcounted snapshot of the shard's segment set. Readers
// acquire it, search against a stable list and release.
type view struct {
	refs       atomic.Int64
	appendable *segment.Appendable
	immutables []*handle
}

func newView(appendable *segment.Appendable, immutables []*handle) *view {
	v := &view{appendable: appendable, immutables: immutables}
	v.refs.Store(1)
	for _, h := range immutables {
		h.refs.Add(1)
	}
	return v
}

func (v *view) release() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, h := range v.immutables {
		h.release()
	}
}

func (v *view) segments() []segment.Segment {
	out := make([]segment.Segment, 0, len(v.immutables)+1)
	for _, h := range v.immutables {
		out = append(out, h.seg)
	}
	return append(out, v.appendable)
}

// Shard owns one hash range of a collection on one node.
type Shard struct {
	ID  model.ShardID
	dir string
	log *slog.Logger

	schema *segment.Schema
	opts   Options
	wal    *wal.WAL

	// writeMu serializes writes, flushes and segment swaps. Reads go
	// through the current view and never take it.
	writeMu  sync.Mutex
	manifest *Manifest

	viewMu  sync.RWMutex
	current *view

	pkMu sync.RWMutex
	pk   map[model.PointID]pkEntry

	degraded atomic.Bool
	closed   atomic.Bool
}

// Open creates or recovers a shard in dir. schema is required for a
// fresh shard and ignored on reopen, where the manifest's schema wins.
func Open(dir string, id model.ShardID, schema *segment.Schema, opts Options) (*Shard, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FlushThreshold == 0 {
		opts.FlushThreshold = DefaultOptions.FlushThreshold
	}
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o755); err != nil {
		return nil, dberr.StorageIO("create shard dir", err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		if schema == nil {
			return nil, dberr.ClientInput("new shard requires a schema")
		}
		if err := schema.Validate(); err != nil {
			return nil, err
		}
		m = &Manifest{Schema: schema, NextSegmentID: 1}
	}

	s := &Shard{
		ID:       id,
		dir:      dir,
		log:      opts.Logger.With("shard", id),
		schema:   m.Schema,
		opts:     opts,
		manifest: m,
		pk:       make(map[model.PointID]pkEntry),
	}

	// Open the durable segments. A segment that fails its checksums is
	// skipped and the shard degrades instead of serving partial data as
	// healthy.
	var immutables []*handle
	for _, segID := range m.Segments {
		seg, err := segment.Open(s.segmentPath(segID))
		if err != nil {
			s.log.Error("segment failed to open, degrading shard",
				"segment", segID, "error", err)
			s.degraded.Store(true)
			continue
		}
		immutables = append(immutables, &handle{seg: seg})
	}

	appendable, err := segment.NewAppendable(m.NextSegmentID, m.Schema)
	if err != nil {
		return nil, err
	}
	s.current = newView(appendable, immutables)
	s.rebuildPK(immutables)

	w, err := wal.Open(filepath.Join(dir, "wal"), opts.WAL)
	if err != nil {
		return nil, err
	}
	s.wal = w

	// Re-apply everything the segments do not cover.
	var replayed int
	err = w.Replay(m.MaxLSN, func(rec *wal.Record) error {
		replayed++
		return s.applyRecord(rec)
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	if replayed > 0 {
		s.log.Info("replayed wal records", "count", replayed, "after_lsn", m.MaxLSN)
	}
	return s, nil
}

func (s *Shard) segmentPath(id model.SegmentID) string {
	return filepath.Join(s.dir, "segments", fmt.Sprintf("%06d.psg", id))
}

// rebuildPK reconstructs the point map from segment contents in manifest
// order plus the persisted delete markers.
func (s *Shard) rebuildPK(immutables []*handle) {
	for _, h := range immutables {
		segID := h.seg.ID()
		h.seg.IterateVersions(func(id model.PointID, row model.RowID, version model.Version, deleted bool) {
			if cur, ok := s.pk[id]; ok && cur.Version >= version {
				return
			}
			s.pk[id] = pkEntry{
				Loc:     model.Location{SegmentID: segID, RowID: row},
				Version: version,
				Deleted: deleted,
			}
		})
	}
	for idStr, version := range s.manifest.Deletes {
		id, err := model.ParsePointID(idStr)
		if err != nil {
			continue
		}
		if cur, ok := s.pk[id]; !ok || cur.Version < version {
			s.pk[id] = pkEntry{Version: version, Deleted: true}
		}
	}
}

// applyRecord applies one replayed WAL record without re-logging it.
func (s *Shard) applyRecord(rec *wal.Record) error {
	switch rec.Op {
	case wal.OpUpsert:
		_, err := s.apply(model.PointRecord{
			ID:      rec.ID,
			Version: rec.Version,
			Vectors: rec.Vectors,
			Payload: rec.Payload,
		})
		return err
	case wal.OpDelete:
		_, err := s.applyDelete(rec.ID, rec.Version)
		return err
	default:
		return fmt.Errorf("wal record %d: unknown op %d", rec.LSN, rec.Op)
	}
}

// Upsert writes one point. applied reports whether the write took effect;
// a stale version is a successful no-op.
func (s *Shard) Upsert(ctx context.Context, rec model.PointRecord) (bool, error) {
	if s.closed.Load() {
		return false, dberr.ErrClosed
	}
	if !rec.ID.Valid() {
		return false, dberr.ClientInput("invalid point id")
	}
	if err := s.schema.ValidateVectors(rec.Vectors); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur, ok := s.pkGet(rec.ID); ok && rec.Version <= cur.Version {
		return false, nil
	}
	_, err := s.wal.Append(wal.Record{
		Op:      wal.OpUpsert,
		ID:      rec.ID,
		Version: rec.Version,
		Vectors: rec.Vectors,
		Payload: rec.Payload,
	})
	if err != nil {
		s.degrade("wal append failed", err)
		return false, err
	}
	return s.apply(rec)
}

// apply performs the in-memory part of an upsert. The caller holds
// writeMu or is single-threaded recovery.
func (s *Shard) apply(rec model.PointRecord) (bool, error) {
	cur, existed := s.pkGet(rec.ID)
	if existed && rec.Version <= cur.Version {
		return false, nil
	}

	appendable := s.currentView().appendable
	applied, err := appendable.Upsert(rec)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if existed && cur.Loc.SegmentID != appendable.ID() && !cur.Deleted {
		s.tombstoneImmutable(cur.Loc)
	}
	row, _ := appendable.RowOf(rec.ID)
	s.pkSet(rec.ID, pkEntry{
		Loc:     model.Location{SegmentID: appendable.ID(), RowID: row},
		Version: rec.Version,
	})
	return true, nil
}

// Delete removes one point under the same version gate as Upsert.
func (s *Shard) Delete(ctx context.Context, id model.PointID, version model.Version) (bool, error) {
	if s.closed.Load() {
		return false, dberr.ErrClosed
	}
	if !id.Valid() {
		return false, dberr.ClientInput("invalid point id")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur, ok := s.pkGet(id); ok && version <= cur.Version {
		return false, nil
	}
	_, err := s.wal.Append(wal.Record{Op: wal.OpDelete, ID: id, Version: version})
	if err != nil {
		s.degrade("wal append failed", err)
		return false, err
	}
	return s.applyDelete(id, version)
}

func (s *Shard) applyDelete(id model.PointID, version model.Version) (bool, error) {
	cur, existed := s.pkGet(id)
	if existed && version <= cur.Version {
		return false, nil
	}

	appendable := s.currentView().appendable
	applied, err := appendable.Delete(id, version)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if existed && cur.Loc.SegmentID != appendable.ID() && !cur.Deleted {
		s.tombstoneImmutable(cur.Loc)
	}
	s.pkSet(id, pkEntry{Version: version, Deleted: true})
	return true, nil
}

func (s *Shard) tombstoneImmutable(loc model.Location) {
	v := s.currentView()
	for _, h := range v.immutables {
		if h.seg.ID() == loc.SegmentID {
			h.seg.Tombstone(loc.RowID)
			return
		}
	}
}

// Get returns the current record of a point, or ok=false when absent or
// deleted.
func (s *Shard) Get(ctx context.Context, id model.PointID) (model.PointRecord, bool, error) {
	if s.closed.Load() {
		return model.PointRecord{}, false, dberr.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return model.PointRecord{}, false, err
	}
	cur, ok := s.pkGet(id)
	if !ok || cur.Deleted {
		return model.PointRecord{}, false, nil
	}

	v := s.acquireView()
	defer v.release()

	var src segment.Segment
	for _, seg := range v.segments() {
		if seg.ID() == cur.Loc.SegmentID {
			src = seg
			break
		}
	}
	if src == nil {
		return model.PointRecord{}, false, nil
	}
	doc, err := src.PayloadOf(cur.Loc.RowID)
	if err != nil {
		return model.PointRecord{}, false, err
	}
	rec := model.PointRecord{ID: id, Version: cur.Version, Payload: doc}
	rec.Vectors.Dense = make(map[string][]float32, len(s.schema.Dense))
	for _, spec := range s.schema.Dense {
		if vec := src.VectorOf(spec.Name, cur.Loc.RowID); vec != nil {
			rec.Vectors.Dense[spec.Name] = vec
		}
	}
	return rec, true, nil
}

// Search fans the request out to every segment of one consistent view and
// merges the per-segment results into a global top K.
func (s *Shard) Search(ctx context.Context, req *segment.SearchRequest) ([]model.ScoredPoint, error) {
	if s.closed.Load() {
		return nil, dberr.ErrClosed
	}
	if req.K <= 0 {
		return nil, dberr.ClientInput("k must be positive")
	}

	v := s.acquireView()
	defer v.release()

	segments := v.segments()
	results := make([][]segment.Hit, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		g.Go(func() error {
			hits, err := seg.Search(gctx, req)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.ID(), err)
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Merge, deduplicating by point and keeping the newest version.
	type merged struct {
		hit segment.Hit
		seg segment.Segment
	}
	best := make(map[model.PointID]merged, req.K*2)
	for i, hits := range results {
		for _, h := range hits {
			if cur, ok := best[h.ID]; ok && h.Version <= cur.hit.Version {
				continue
			}
			best[h.ID] = merged{hit: h, seg: segments[i]}
		}
	}
	flat := make([]merged, 0, len(best))
	for _, m := range best {
		flat = append(flat, m)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].hit.Score < flat[j].hit.Score })
	if len(flat) > req.K {
		flat = flat[:req.K]
	}

	out := make([]model.ScoredPoint, 0, len(flat))
	for _, m := range flat {
		sp := model.ScoredPoint{
			ID:      m.hit.ID,
			Version: m.hit.Version,
			Score:   m.hit.Score,
		}
		if req.Params.WithPayload {
			doc, err := m.seg.PayloadOf(m.hit.Row)
			if err != nil {
				return nil, err
			}
			sp.Payload = doc
		}
		if req.Params.WithVector && req.Vector != nil {
			sp.Vector = m.seg.VectorOf(req.VectorName, m.hit.Row)
		}
		out = append(out, sp)
	}
	return out, nil
}

// Flush freezes the appendable segment into an immutable file, advances
// the manifest watermark and lets the WAL reclaim covered records.
func (s *Shard) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return dberr.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Shard) flushLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	old := s.currentView()
	frozen := old.appendable
	info := frozen.Info()
	if info.RowCount == 0 && len(frozen.DeleteMarkers()) == 0 {
		return nil
	}

	freezeLSN := s.wal.LastLSN()
	if err := s.wal.Sync(); err != nil {
		s.degrade("wal sync failed", err)
		return err
	}

	immutables := old.immutables
	segIDs := append([]model.SegmentID(nil), s.manifest.Segments...)

	// The next appendable needs an id no other segment ever used,
	// including ids the optimizer allocated in the meantime.
	nextID := s.manifest.NextSegmentID
	if frozen.ID() >= nextID {
		nextID = frozen.ID() + 1
	}
	if info.LiveCount > 0 {
		builder, err := segment.NewBuilder(s.schema)
		if err != nil {
			return err
		}
		if err := frozen.IterateLive(func(rec segment.Record) error {
			return builder.Add(rec)
		}); err != nil {
			return err
		}
		path := s.segmentPath(frozen.ID())
		if err := builder.Write(path, frozen.ID()); err != nil {
			s.degrade("segment write failed", err)
			return err
		}
		seg, err := segment.Open(path)
		if err != nil {
			s.degrade("segment reopen failed", err)
			return err
		}
		immutables = append(immutables, &handle{seg: seg})
		segIDs = append(segIDs, frozen.ID())
	}

	appendable, err := segment.NewAppendable(nextID, s.schema)
	if err != nil {
		return err
	}

	// Tombstones accumulated on the old immutables are covered by the new
	// watermark; persist them before the manifest claims coverage.
	for _, h := range old.immutables {
		if err := h.seg.SaveTombstones(); err != nil {
			s.degrade("tombstone save failed", err)
			return err
		}
	}

	m := &Manifest{
		Schema:        s.schema,
		Segments:      segIDs,
		NextSegmentID: nextID + 1,
		MaxLSN:        freezeLSN,
		Seq:           s.manifest.Seq + 1,
		Deletes:       mergeDeletes(s.manifest.Deletes, frozen.DeleteMarkers()),
	}
	if err := SaveManifest(s.dir, m); err != nil {
		s.degrade("manifest save failed", err)
		return err
	}
	s.manifest = m

	s.swapView(newView(appendable, immutables))

	if err := s.wal.Checkpoint(freezeLSN); err != nil {
		s.log.Warn("wal checkpoint failed", "error", err)
	}
	s.log.Info("flushed appendable segment",
		"segment", frozen.ID(), "rows", info.LiveCount, "max_lsn", freezeLSN)
	return nil
}

func mergeDeletes(old map[string]model.Version, add map[model.PointID]model.Version) map[string]model.Version {
	if len(old) == 0 && len(add) == 0 {
		return nil
	}
	out := make(map[string]model.Version, len(old)+len(add))
	for k, v := range old {
		out[k] = v
	}
	for id, v := range add {
		k := id.String()
		if cur, ok := out[k]; !ok || cur < v {
			out[k] = v
		}
	}
	return out
}

// ReplaceSegments atomically substitutes the segments in removeIDs with
// add in the live view. It is the optimizer's commit phase: point moves
// are reconciled against writes that landed during the rebuild, and rows
// superseded meanwhile are tombstoned in the replacement before it
// becomes visible. Files of the removed segments are reclaimed once the
// last reader drains.
func (s *Shard) ReplaceSegments(removeIDs []model.SegmentID, add []*segment.Immutable) error {
	if s.closed.Load() {
		return dberr.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := make(map[model.SegmentID]bool, len(removeIDs))
	for _, id := range removeIDs {
		removed[id] = true
	}

	old := s.currentView()
	var keep, retire []*handle
	for _, h := range old.immutables {
		if removed[h.seg.ID()] {
			retire = append(retire, h)
		} else {
			keep = append(keep, h)
		}
	}
	if len(retire) != len(removeIDs) {
		return fmt.Errorf("%w: segment set changed under swap", dberr.ErrConsensusRejected)
	}

	for _, seg := range add {
		segID := seg.ID()
		seg.IterateVersions(func(id model.PointID, row model.RowID, version model.Version, deleted bool) {
			if deleted {
				return
			}
			cur, ok := s.pkGet(id)
			switch {
			case !ok:
				s.pkSet(id, pkEntry{
					Loc:     model.Location{SegmentID: segID, RowID: row},
					Version: version,
				})
			case cur.Deleted || cur.Version > version:
				// Superseded while the rebuild ran.
				seg.Tombstone(row)
			case removed[cur.Loc.SegmentID]:
				s.pkSet(id, pkEntry{
					Loc:     model.Location{SegmentID: segID, RowID: row},
					Version: version,
				})
			}
		})
		if err := seg.SaveTombstones(); err != nil {
			return err
		}
	}

	next := make([]*handle, 0, len(keep)+len(add))
	next = append(next, keep...)
	segIDs := make([]model.SegmentID, 0, len(keep)+len(add))
	for _, h := range keep {
		segIDs = append(segIDs, h.seg.ID())
	}
	for _, seg := range add {
		next = append(next, &handle{seg: seg})
		segIDs = append(segIDs, seg.ID())
	}

	m := &Manifest{
		Schema:        s.schema,
		Segments:      segIDs,
		NextSegmentID: s.manifest.NextSegmentID,
		MaxLSN:        s.manifest.MaxLSN,
		Seq:           s.manifest.Seq + 1,
		Deletes:       s.manifest.Deletes,
	}
	if err := SaveManifest(s.dir, m); err != nil {
		s.degrade("manifest save failed", err)
		return err
	}
	s.manifest = m

	for _, h := range retire {
		h.retired.Store(true)
	}
	s.swapView(newView(old.appendable, next))
	s.log.Info("segments swapped", "removed", removeIDs, "added", len(add))
	return nil
}

// SelectIDs returns the ids of live points matching the filter, for
// filtered deletes.
func (s *Shard) SelectIDs(ctx context.Context, f *payload.Filter) ([]model.PointID, error) {
	if err := f.Validate(); err != nil {
		return nil, dberr.ClientInput("%v", err)
	}
	v := s.acquireView()
	defer v.release()

	seen := make(map[model.PointID]struct{})
	var out []model.PointID
	for _, seg := range v.segments() {
		err := seg.IterateLive(func(rec segment.Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, dup := seen[rec.ID]; dup {
				return nil
			}
			if !f.Matches(rec.Payload) {
				return nil
			}
			if cur, ok := s.pkGet(rec.ID); ok && (cur.Deleted || cur.Version != rec.Version) {
				return nil // superseded copy
			}
			seen[rec.ID] = struct{}{}
			out = append(out, rec.ID)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllocSegmentID hands out a fresh segment id for an optimizer rebuild.
func (s *Shard) AllocSegmentID() model.SegmentID {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	id := s.manifest.NextSegmentID
	s.manifest.NextSegmentID++
	return id
}

// SegmentPath returns the canonical file path for a segment id.
func (s *Shard) SegmentPath(id model.SegmentID) string { return s.segmentPath(id) }

// Schema returns the shard's schema.
func (s *Shard) Schema() *segment.Schema { return s.schema }

// Infos returns per-segment statistics of the current view.
func (s *Shard) Infos() []segment.Info {
	v := s.acquireView()
	defer v.release()
	infos := make([]segment.Info, 0, len(v.immutables)+1)
	for _, h := range v.immutables {
		infos = append(infos, h.seg.Info())
	}
	return append(infos, v.appendable.Info())
}

// Snapshot acquires the current view for an optimizer pass. The caller
// must call the returned release function exactly once.
func (s *Shard) Snapshot() ([]*segment.Immutable, *segment.Appendable, func()) {
	v := s.acquireView()
	segs := make([]*segment.Immutable, len(v.immutables))
	for i, h := range v.immutables {
		segs[i] = h.seg
	}
	return segs, v.appendable, v.release
}

// NeedsFlush reports whether the appendable segment has outgrown the
// flush threshold.
func (s *Shard) NeedsFlush() bool {
	v := s.acquireView()
	defer v.release()
	return v.appendable.Info().RowCount >= s.opts.FlushThreshold
}

// CountLive returns the number of live points.
func (s *Shard) CountLive() uint64 {
	s.pkMu.RLock()
	defer s.pkMu.RUnlock()
	var n uint64
	for _, e := range s.pk {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// LastLSN returns the highest WAL sequence number appended, which replica
// catch-up uses as the synchronization target.
func (s *Shard) LastLSN() uint64 { return s.wal.LastLSN() }

// ReplayLog streams WAL records beyond after to fn, for replica catch-up.
func (s *Shard) ReplayLog(after uint64, fn func(rec *wal.Record) error) error {
	return s.wal.Replay(after, fn)
}

// Degraded reports whether the shard hit a storage fault. A degraded
// shard keeps serving reads from the segments that loaded; the
// replication layer excludes it from read quorums until caught up.
func (s *Shard) Degraded() bool { return s.degraded.Load() }

// SetDegraded overrides the degraded flag; replication uses it to pull a
// recovered replica back in after catch-up.
func (s *Shard) SetDegraded(d bool) { s.degraded.Store(d) }

func (s *Shard) degrade(msg string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.log.Error(msg+", shard degraded", "error", err)
	}
}

// Close releases the WAL and drops the owner reference on the current
// view. In-flight readers finish against their acquired views.
func (s *Shard) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.wal.Close()

	s.viewMu.Lock()
	v := s.current
	s.current = nil
	s.viewMu.Unlock()
	if v != nil {
		v.appendable.Close()
		v.release()
	}
	return err
}

func (s *Shard) currentView() *view {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.current
}

func (s *Shard) acquireView() *view {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	v := s.current
	v.refs.Add(1)
	return v
}

// swapView publishes next and drops the owner reference on the previous
// view.
func (s *Shard) swapView(next *view) {
	s.viewMu.Lock()
	prev := s.current
	s.current = next
	s.viewMu.Unlock()
	if prev != nil {
		prev.release()
	}
}

func (s *Shard) pkGet(id model.PointID) (pkEntry, bool) {
	s.pkMu.RLock()
	defer s.pkMu.RUnlock()
	e, ok := s.pk[id]
	return e, ok
}

func (s *Shard) pkSet(id model.PointID, e pkEntry) {
	s.pkMu.Lock()
	s.pk[id] = e
	s.pkMu.Unlock()
}
