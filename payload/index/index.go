// Package index provides secondary indexes over payload fields.
//
// Each indexed field maintains roaring posting lists keyed by value. The
// registry compiles a filter's indexed conditions into a candidate bitmap
// used two ways by the search path: to estimate filter selectivity for the
// graph-vs-prefilter decision, and to seed brute-force scoring when the
// filter is highly selective. Candidate sets are supersets only in the
// sense that unindexed conditions are ignored; the caller always
// re-checks candidates against the full filter.
package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/peridotdb/peridot/payload"
)

// Kind identifies the index structure built for a field.
type Kind uint8

const (
	// KindKeyword is an inverted index over exact values (strings, bools,
	// ints used as tags). Array fields post every element.
	KindKeyword Kind = iota + 1
	// KindInteger is a sorted index over int64 values supporting ranges.
	KindInteger
	// KindFloat is a sorted index over float64 values supporting ranges.
	KindFloat
	// KindGeo is a coordinate index supporting geo-radius conditions.
	KindGeo
)

func (k Kind) String() string {
	switch k {
	case KindKeyword:
		return "keyword"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindGeo:
		return "geo"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// fieldIndex is one per-field index structure.
type fieldIndex interface {
	add(row uint32, v payload.Value)
	remove(row uint32, v payload.Value)
	// candidates returns the posting set for cond, or ok=false when the
	// structure cannot serve the operator.
	candidates(cond payload.Condition) (*roaring.Bitmap, bool)
}

// Registry holds the secondary indexes of one segment's payload storage.
type Registry struct {
	mu     sync.RWMutex
	fields map[string]fieldIndex
	kinds  map[string]Kind
}

// NewRegistry creates an empty index registry.
func NewRegistry() *Registry {
	return &Registry{
		fields: make(map[string]fieldIndex),
		kinds:  make(map[string]Kind),
	}
}

// Build declares an index over a field path. Building twice with the same
// kind is a no-op; changing the kind of an existing index is rejected.
func (r *Registry) Build(field string, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[field]; ok {
		if existing == kind {
			return nil
		}
		return fmt.Errorf("field %q already indexed as %s", field, existing)
	}
	switch kind {
	case KindKeyword:
		r.fields[field] = newKeywordIndex()
	case KindInteger, KindFloat:
		r.fields[field] = newNumericIndex()
	case KindGeo:
		r.fields[field] = newGeoIndex()
	default:
		return fmt.Errorf("unknown index kind %d", kind)
	}
	r.kinds[field] = kind
	return nil
}

// Kinds returns the declared field indexes.
func (r *Registry) Kinds() map[string]Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Kind, len(r.kinds))
	for k, v := range r.kinds {
		out[k] = v
	}
	return out
}

// AddDocument posts one document's indexed fields under row.
func (r *Registry) AddDocument(row uint32, doc payload.Document) {
	if doc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for field, idx := range r.fields {
		if v, ok := doc.Get(field); ok {
			idx.add(row, v)
		}
	}
}

// RemoveDocument removes one document's indexed fields under row.
func (r *Registry) RemoveDocument(row uint32, doc payload.Document) {
	if doc == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for field, idx := range r.fields {
		if v, ok := doc.Get(field); ok {
			idx.remove(row, v)
		}
	}
}

// Candidates compiles the filter's indexed Must conditions into an
// intersection bitmap. ok=false means no Must condition could be served
// by an index, so the caller has no candidate seed and no estimate.
func (r *Registry) Candidates(f *payload.Filter) (*roaring.Bitmap, bool) {
	if f.IsEmpty() {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var acc *roaring.Bitmap
	for _, cond := range f.Must {
		idx, ok := r.fields[cond.Key]
		if !ok {
			continue
		}
		set, ok := idx.candidates(cond)
		if !ok {
			continue
		}
		if acc == nil {
			acc = set.Clone()
		} else {
			acc.And(set)
		}
		if acc.IsEmpty() {
			return acc, true
		}
	}
	if acc == nil {
		return nil, false
	}
	return acc, true
}

// EstimateSelectivity returns the fraction of total rows the filter's
// indexed conditions select. ok=false when no estimate is available.
func (r *Registry) EstimateSelectivity(f *payload.Filter, total uint64) (float64, bool) {
	if total == 0 {
		return 0, false
	}
	set, ok := r.Candidates(f)
	if !ok {
		return 0, false
	}
	return float64(set.GetCardinality()) / float64(total), true
}

// --- keyword ---

type keywordIndex struct {
	postings map[string]*roaring.Bitmap
}

func newKeywordIndex() *keywordIndex {
	return &keywordIndex{postings: make(map[string]*roaring.Bitmap)}
}

func (ix *keywordIndex) add(row uint32, v payload.Value) {
	for _, key := range keywordKeys(v) {
		set, ok := ix.postings[key]
		if !ok {
			set = roaring.New()
			ix.postings[key] = set
		}
		set.Add(row)
	}
}

func (ix *keywordIndex) remove(row uint32, v payload.Value) {
	for _, key := range keywordKeys(v) {
		if set, ok := ix.postings[key]; ok {
			set.Remove(row)
			if set.IsEmpty() {
				delete(ix.postings, key)
			}
		}
	}
}

// keywordKeys posts array elements individually so tag-set payloads match
// element equality.
func keywordKeys(v payload.Value) []string {
	if arr, ok := v.AsArray(); ok {
		keys := make([]string, len(arr))
		for i, item := range arr {
			keys[i] = item.Key()
		}
		return keys
	}
	return []string{v.Key()}
}

func (ix *keywordIndex) candidates(cond payload.Condition) (*roaring.Bitmap, bool) {
	switch cond.Op {
	case payload.OpEqual:
		if set, ok := ix.postings[cond.Value.Key()]; ok {
			return set, true
		}
		return roaring.New(), true
	case payload.OpContains:
		needle, isStr := cond.Value.AsString()
		if !isStr {
			// Non-string contains is element equality, posted per element.
			if set, ok := ix.postings[cond.Value.Key()]; ok {
				return set, true
			}
			return roaring.New(), true
		}
		// Substring containment: the exact posting is not a superset, so
		// union every string posting holding the needle. Posting keys are
		// Value.Key() encodings; string values carry the "s:" prefix. An
		// equal array element is covered by its own key.
		union := roaring.New()
		for key, set := range ix.postings {
			if strings.HasPrefix(key, "s:") && strings.Contains(key[2:], needle) {
				union.Or(set)
			}
		}
		return union, true
	case payload.OpIn:
		arr, ok := cond.Value.AsArray()
		if !ok {
			return nil, false
		}
		union := roaring.New()
		for _, item := range arr {
			if set, ok := ix.postings[item.Key()]; ok {
				union.Or(set)
			}
		}
		return union, true
	default:
		return nil, false
	}
}

// --- numeric ---

type numericEntry struct {
	value float64
	row   uint32
}

// numericIndex keeps entries sorted by value for range scans. Appendable
// segments stay small, so ordered insertion is acceptable; immutable
// segments build it once.
type numericIndex struct {
	entries []numericEntry
}

func newNumericIndex() *numericIndex {
	return &numericIndex{}
}

func (ix *numericIndex) add(row uint32, v payload.Value) {
	f, ok := v.AsFloat64()
	if !ok {
		return
	}
	i := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value >= f })
	ix.entries = append(ix.entries, numericEntry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = numericEntry{value: f, row: row}
}

func (ix *numericIndex) remove(row uint32, v payload.Value) {
	f, ok := v.AsFloat64()
	if !ok {
		return
	}
	i := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value >= f })
	for ; i < len(ix.entries) && ix.entries[i].value == f; i++ {
		if ix.entries[i].row == row {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
			return
		}
	}
}

func (ix *numericIndex) candidates(cond payload.Condition) (*roaring.Bitmap, bool) {
	want, ok := cond.Value.AsFloat64()
	if !ok {
		return nil, false
	}
	lo, hi := 0, len(ix.entries)
	switch cond.Op {
	case payload.OpEqual:
		lo = sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value >= want })
		hi = sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value > want })
	case payload.OpGreaterThan:
		lo = sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value > want })
	case payload.OpGreaterEqual:
		lo = sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value >= want })
	case payload.OpLessThan:
		hi = sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value >= want })
	case payload.OpLessEqual:
		hi = sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].value > want })
	default:
		return nil, false
	}
	set := roaring.New()
	for i := lo; i < hi; i++ {
		set.Add(ix.entries[i].row)
	}
	return set, true
}

// --- geo ---

type geoEntry struct {
	row   uint32
	point payload.GeoPoint
}

type geoIndex struct {
	entries []geoEntry
}

func newGeoIndex() *geoIndex {
	return &geoIndex{}
}

func (ix *geoIndex) add(row uint32, v payload.Value) {
	p, ok := v.AsGeo()
	if !ok {
		return
	}
	ix.entries = append(ix.entries, geoEntry{row: row, point: p})
}

func (ix *geoIndex) remove(row uint32, v payload.Value) {
	for i := range ix.entries {
		if ix.entries[i].row == row {
			ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
			return
		}
	}
}

func (ix *geoIndex) candidates(cond payload.Condition) (*roaring.Bitmap, bool) {
	if cond.Op != payload.OpGeoRadius {
		return nil, false
	}
	center, ok := cond.Value.AsGeo()
	if !ok {
		return nil, false
	}
	set := roaring.New()
	for _, e := range ix.entries {
		if payload.HaversineMeters(center, e.point) <= cond.Radius {
			set.Add(e.row)
		}
	}
	return set, true
}
