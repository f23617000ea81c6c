// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbor search.
//
// The graph stores adjacency only: neighbor lists are keyed by the
// segment-local row ID, and vectors are read through an accessor supplied
// by the owning segment. That keeps the graph free of owned vector
// references, so merge and vacuum only need offset remapping.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/peridotdb/peridot/distance"
	"github.com/peridotdb/peridot/queue"
)

// VectorFunc resolves a row ID to its vector. The returned slice must stay
// valid for the duration of the call that received it.
type VectorFunc func(row uint32) []float32

// AcceptFunc is the filter-satisfaction oracle consulted during search.
// Rows failing the oracle are traversed but never returned.
type AcceptFunc func(row uint32) bool

// Options configures graph construction and search defaults.
type Options struct {
	// M is the number of bidirectional links created for every new row.
	// The range 12-48 suits most embedding workloads; layer 0 uses 2*M.
	M int

	// EfConstruction is the candidate frontier size during insertion.
	EfConstruction int

	// EfSearch is the default frontier size during search when the
	// request does not override it.
	EfSearch int

	// Seed makes level generation deterministic for tests. 0 seeds from
	// the default source.
	Seed int64
}

// DefaultOptions are reasonable construction parameters for embedding
// dimensionalities in the hundreds.
var DefaultOptions = Options{
	M:              16,
	EfConstruction: 200,
	EfSearch:       64,
}

type node struct {
	layer int
	// conns[l] holds neighbor rows at level l, bounded by M (2*M at 0).
	conns [][]uint32
}

// Graph is an HNSW index over the rows of one segment.
type Graph struct {
	mu       sync.RWMutex
	opts     Options
	distFn   distance.Func
	vec      VectorFunc
	rng      *rand.Rand
	ml       float64
	nodes    map[uint32]*node
	entry    uint32
	hasEntry bool
	maxLevel int
}

// New creates an empty graph. vec resolves rows to vectors and distFn is
// the collection's metric function.
func New(distFn distance.Func, vec VectorFunc, optFns ...func(o *Options)) *Graph {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		// M == 1 would make the level normalization factor divide by zero.
		opts.M = 2
	}
	if opts.EfConstruction < opts.M {
		opts.EfConstruction = opts.M * 4
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultOptions.EfSearch
	}
	src := rand.NewSource(opts.Seed)
	if opts.Seed == 0 {
		src = rand.NewSource(rand.Int63())
	}
	return &Graph{
		opts:   opts,
		distFn: distFn,
		vec:    vec,
		rng:    rand.New(src), //nolint:gosec // level generation needs no crypto rand
		ml:     1 / math.Log(float64(opts.M)),
		nodes:  make(map[uint32]*node),
	}
}

// Len returns the number of indexed rows.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Contains reports whether a row is indexed.
func (g *Graph) Contains(row uint32) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[row]
	return ok
}

// EfSearchDefault returns the construction-time search default.
func (g *Graph) EfSearchDefault() int { return g.opts.EfSearch }

// Insert links row into the graph. The row's vector must already be
// resolvable through the accessor.
func (g *Graph) Insert(row uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[row]; ok {
		return fmt.Errorf("hnsw: row %d already indexed", row)
	}
	v := g.vec(row)
	if v == nil {
		return fmt.Errorf("hnsw: row %d has no vector", row)
	}

	layer := int(math.Floor(-math.Log(g.rng.Float64()) * g.ml))
	n := &node{layer: layer, conns: make([][]uint32, layer+1)}

	if !g.hasEntry {
		g.nodes[row] = n
		g.entry = row
		g.maxLevel = layer
		g.hasEntry = true
		return nil
	}

	curr := g.entry
	currDist := g.distFn(g.vec(curr), v)

	// Greedy descent through layers above the new node's top layer.
	for level := g.maxLevel; level > layer; level-- {
		curr, currDist = g.greedyStep(v, curr, currDist, level)
	}

	// Connect on every shared layer.
	for level := min(layer, g.maxLevel); level >= 0; level-- {
		candidates := g.searchLayer(v, curr, currDist, g.opts.EfConstruction, level, nil, nil)
		neighbors := g.selectNeighborsHeuristic(candidates, g.maxConns(level))
		n.conns[level] = neighbors

		for _, neighbor := range neighbors {
			g.link(neighbor, row, level)
		}
		if len(neighbors) > 0 {
			curr = neighbors[0]
			currDist = g.distFn(g.vec(curr), v)
		}
	}

	g.nodes[row] = n
	if layer > g.maxLevel {
		g.entry = row
		g.maxLevel = layer
	}
	return nil
}

// Remove unlinks a row. Neighbor lists referencing it are pruned; the
// graph does not re-link across the hole, which matches the soft-delete
// model where vacuum rebuilds the graph.
func (g *Graph) Remove(row uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[row]
	if !ok {
		return
	}
	delete(g.nodes, row)

	for level := range n.conns {
		for _, neighbor := range n.conns[level] {
			if nn, ok := g.nodes[neighbor]; ok && level < len(nn.conns) {
				nn.conns[level] = deleteRow(nn.conns[level], row)
			}
		}
	}

	if g.hasEntry && g.entry == row {
		g.hasEntry = false
		g.maxLevel = 0
		for candidate, cn := range g.nodes {
			if !g.hasEntry || cn.layer > g.maxLevel {
				g.entry = candidate
				g.maxLevel = cn.layer
				g.hasEntry = true
			}
		}
	}
}

// Search returns up to k rows nearest to q that satisfy accept, ordered
// best-first. ef <= 0 uses the construction default. Rows failing accept
// are traversed but not returned, so sparse filters cannot strand the
// search in a disconnected region.
func (g *Graph) Search(q []float32, k, ef int, accept AcceptFunc) []queue.Item {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.hasEntry || k <= 0 {
		return nil
	}
	if ef <= 0 {
		ef = g.opts.EfSearch
	}
	if ef < k {
		ef = k
	}

	curr := g.entry
	currDist := g.distFn(g.vec(curr), q)
	for level := g.maxLevel; level > 0; level-- {
		curr, currDist = g.greedyStep(q, curr, currDist, level)
	}

	results := queue.NewMax(ef)
	g.searchLayer(q, curr, currDist, ef, 0, accept, results)

	items := results.Drain() // worst-to-best
	if len(items) > k {
		items = items[len(items)-k:]
	}
	// Reverse into best-first order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}

// greedyStep walks to the closest neighbor at the given level until no
// neighbor improves the distance.
func (g *Graph) greedyStep(q []float32, curr uint32, currDist float32, level int) (uint32, float32) {
	for {
		improved := false
		n := g.nodes[curr]
		if n == nil || level >= len(n.conns) {
			return curr, currDist
		}
		for _, neighbor := range n.conns[level] {
			d := g.distFn(g.vec(neighbor), q)
			if d < currDist {
				curr = neighbor
				currDist = d
				improved = true
			}
		}
		if !improved {
			return curr, currDist
		}
	}
}

// searchLayer expands a bounded candidate frontier at one level.
//
// When results is non-nil it is filled (max-heap, capacity ef) with rows
// passing accept; the returned slice contains the raw frontier used for
// neighbor selection during insertion.
func (g *Graph) searchLayer(q []float32, entry uint32, entryDist float32, ef, level int, accept AcceptFunc, results *queue.PriorityQueue) []queue.Item {
	visited := map[uint32]struct{}{entry: {}}
	frontier := queue.NewMin(ef)
	frontier.PushItem(queue.Item{Row: entry, Distance: entryDist})

	// top tracks the worst distance allowed to keep expanding. Filtered
	// searches bound it by the frontier, not the (sparser) result set, so
	// traversal continues past non-matching rows.
	best := queue.NewMax(ef)
	best.PushItem(queue.Item{Row: entry, Distance: entryDist})

	if results != nil && (accept == nil || accept(entry)) {
		pushBounded(results, queue.Item{Row: entry, Distance: entryDist}, ef)
	}

	var expansion []queue.Item
	expansion = append(expansion, queue.Item{Row: entry, Distance: entryDist})

	for frontier.Len() > 0 {
		candidate := frontier.PopItem()
		if best.Len() >= ef && candidate.Distance > best.Top().Distance {
			break
		}
		n := g.nodes[candidate.Row]
		if n == nil || level >= len(n.conns) {
			continue
		}
		for _, neighbor := range n.conns[level] {
			if _, seen := visited[neighbor]; seen {
				continue
			}
			visited[neighbor] = struct{}{}
			d := g.distFn(g.vec(neighbor), q)
			if best.Len() < ef || d < best.Top().Distance {
				it := queue.Item{Row: neighbor, Distance: d}
				frontier.PushItem(it)
				pushBounded(best, it, ef)
				expansion = append(expansion, it)
				if results != nil && (accept == nil || accept(neighbor)) {
					pushBounded(results, it, ef)
				}
			}
		}
	}
	return expansion
}

func pushBounded(pq *queue.PriorityQueue, it queue.Item, bound int) {
	if pq.Len() < bound {
		pq.PushItem(it)
		return
	}
	if it.Distance < pq.Top().Distance {
		pq.PopItem()
		pq.PushItem(it)
	}
}

// selectNeighborsHeuristic picks up to m diverse neighbors from the
// expansion set: a candidate is kept only if it is closer to the query
// than to every already-kept neighbor.
func (g *Graph) selectNeighborsHeuristic(candidates []queue.Item, m int) []uint32 {
	if len(candidates) == 0 {
		return nil
	}
	ordered := queue.NewMin(len(candidates))
	for _, c := range candidates {
		ordered.PushItem(c)
	}

	selected := make([]uint32, 0, m)
	for ordered.Len() > 0 && len(selected) < m {
		c := ordered.PopItem()
		keep := true
		cv := g.vec(c.Row)
		for _, s := range selected {
			if g.distFn(cv, g.vec(s)) < c.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c.Row)
		}
	}
	return selected
}

// link adds target to row's neighbor list at level, pruning with the
// selection heuristic when the list overflows.
func (g *Graph) link(row, target uint32, level int) {
	n, ok := g.nodes[row]
	if !ok || level >= len(n.conns) {
		return
	}
	n.conns[level] = append(n.conns[level], target)
	maxConns := g.maxConns(level)
	if len(n.conns[level]) <= maxConns {
		return
	}

	rv := g.vec(row)
	candidates := make([]queue.Item, 0, len(n.conns[level]))
	for _, neighbor := range n.conns[level] {
		candidates = append(candidates, queue.Item{
			Row:      neighbor,
			Distance: g.distFn(g.vec(neighbor), rv),
		})
	}
	n.conns[level] = g.selectNeighborsHeuristic(candidates, maxConns)
}

func (g *Graph) maxConns(level int) int {
	if level == 0 {
		return g.opts.M * 2
	}
	return g.opts.M
}

func deleteRow(rows []uint32, row uint32) []uint32 {
	for i, r := range rows {
		if r == row {
			return append(rows[:i], rows[i+1:]...)
		}
	}
	return rows
}
