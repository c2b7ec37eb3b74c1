// Package hnsw implements a Hierarchical Navigable Small World graph
// (spec.md §4.4) tailored for concurrent insertion and search: per-node
// read-write locks, an atomically swapped entry pointer, heuristic
// neighbor selection, and soft-delete tombstones that remain usable as
// traversal waypoints.
package hnsw

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/tempovec/pkg/logging"
	"github.com/liliang-cn/tempovec/pkg/metric"
)

// Errors returned by Index operations; the root tempovec package maps
// these onto its public taxonomy.
var (
	ErrInvalidVector     = errors.New("hnsw: invalid vector")
	ErrAlreadyExists     = errors.New("hnsw: node already exists")
	ErrNotFound          = errors.New("hnsw: node not found")
	ErrTransientConflict = errors.New("hnsw: transient conflict, retry budget exhausted")
	ErrDeadlineExceeded  = errors.New("hnsw: deadline exceeded")
)

// expired reports whether deadline has passed. A zero deadline never
// expires.
func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// maxLockRetries bounds the number of times insertion retries a
// neighbor-list update that could not find every affected node before
// escalating to ErrTransientConflict (spec.md §4.4.6).
const maxLockRetries = 8

// Config holds the tunables of spec.md §4.4.1.
type Config struct {
	M              int // neighbors per layer above 0; M_max(0) = 2*M
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{M: 16, EfConstruction: 100, EfSearch: 50, Seed: 1}
}

// node is one HNSW graph node. neighbors[l] holds the ids of the node's
// neighbors at layer l; mu guards neighbors and deleted across concurrent
// inserts and the rare concurrent delete.
type node struct {
	id        string
	layer     int
	mu        sync.RWMutex
	neighbors [][]string
	deleted   bool
}

// entryPoint is the atomically-swapped pointer to the current entry node
// (spec.md §4.4.5).
type entryPoint struct {
	id    string
	layer int
}

// Index is a concurrent HNSW graph. The zero value is not usable; use New.
type Index struct {
	cfg   Config
	dist  metric.Func
	log   logging.Logger
	level float64 // level_multiplier = 1/ln(M)

	mapMu sync.RWMutex // guards structural changes to nodes (new keys only)
	nodes map[string]*node

	vecMu   sync.RWMutex
	vectors map[string][]float32

	entry atomic.Pointer[entryPoint]

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an empty Index using dist as its distance kernel.
func New(cfg Config, dist metric.Func, log logging.Logger) *Index {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Index{
		cfg:     cfg,
		dist:    dist,
		log:     log,
		level:   1 / math.Log(float64(cfg.M)),
		nodes:   make(map[string]*node),
		vectors: make(map[string][]float32),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// maxM returns M_max(layer) (spec.md §3: M_max(0) = 2M, M_max(l>0) = M).
func (idx *Index) maxM(layer int) int {
	if layer == 0 {
		return idx.cfg.M * 2
	}
	return idx.cfg.M
}

// pickLayer draws a geometric random layer (spec.md §4.4.2).
func (idx *Index) pickLayer() int {
	idx.rngMu.Lock()
	u := idx.rng.Float64()
	idx.rngMu.Unlock()
	// u is in [0,1); reject 0 so log is defined, matching (0,1].
	for u == 0 {
		idx.rngMu.Lock()
		u = idx.rng.Float64()
		idx.rngMu.Unlock()
	}
	return int(math.Floor(-math.Log(u) * idx.level))
}

// getNode returns the node for id, or nil. It takes the map read lock.
func (idx *Index) getNode(id string) *node {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	return idx.nodes[id]
}

// Size returns the number of non-tombstoned nodes.
func (idx *Index) Size() int {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	n := 0
	for _, nd := range idx.nodes {
		nd.mu.RLock()
		if !nd.deleted {
			n++
		}
		nd.mu.RUnlock()
	}
	return n
}

// Insert adds vec under id. Fails ErrAlreadyExists if id is present.
func (idx *Index) Insert(id string, vec []float32) error {
	if len(vec) == 0 {
		return ErrInvalidVector
	}
	layer := idx.pickLayer()
	nd := &node{id: id, layer: layer, neighbors: make([][]string, layer+1)}
	for l := range nd.neighbors {
		nd.neighbors[l] = make([]string, 0, idx.maxM(l))
	}

	idx.mapMu.Lock()
	if _, exists := idx.nodes[id]; exists {
		idx.mapMu.Unlock()
		return ErrAlreadyExists
	}
	idx.nodes[id] = nd
	idx.mapMu.Unlock()

	idx.vecMu.Lock()
	idx.vectors[id] = vec
	idx.vecMu.Unlock()

	ep := idx.entry.Load()
	if ep == nil {
		// Empty -> Populated (spec.md §4.4.5).
		idx.entry.CompareAndSwap(nil, &entryPoint{id: id, layer: layer})
		return nil
	}

	// Descend greedily from the current entry's top layer down to one
	// above the new node's layer, ef=1 at each step (spec.md §4.4.3 step 2).
	curr := []string{ep.id}
	for lc := ep.layer; lc > layer; lc-- {
		curr = idx.searchLayerClosest(vec, curr, 1, lc)
		if len(curr) == 0 {
			curr = []string{ep.id}
		}
	}

	for lc := min(layer, ep.layer); lc >= 0; lc-- {
		candidates := idx.searchLayer(vec, curr, idx.cfg.EfConstruction, lc)
		m := idx.maxM(lc)
		neighbors := idx.selectNeighborsHeuristic(vec, candidates, m)

		if err := idx.installEdges(id, lc, neighbors); err != nil {
			return err
		}
		if len(neighbors) > 0 {
			curr = neighbors
		}
	}

	for {
		cur := idx.entry.Load()
		if cur != nil && layer <= cur.layer {
			break
		}
		if idx.entry.CompareAndSwap(cur, &entryPoint{id: id, layer: layer}) {
			break
		}
	}
	return nil
}

// installEdges makes id bidirectionally adjacent to each of neighbors at
// layer lc, pruning any neighbor whose degree then exceeds maxM(lc); a node
// pruned out of a neighbor's list also loses its own edge back to that
// neighbor, once the locks are released. Locks are acquired in ascending id
// order across all affected nodes (id plus every neighbor) to avoid deadlock
// (spec.md §5); if one of those nodes is not in the node map, every lock
// taken so far is released and the operation retries from scratch up to
// maxLockRetries times before surfacing ErrTransientConflict.
func (idx *Index) installEdges(id string, lc int, neighbors []string) error {
	selfNode := idx.getNode(id)
	if selfNode == nil {
		return ErrNotFound
	}

	for attempt := 0; attempt < maxLockRetries; attempt++ {
		ids := append([]string{id}, neighbors...)
		sort.Strings(ids)
		locked := make([]*node, 0, len(ids))
		ok := true
		for _, nid := range ids {
			n := idx.getNode(nid)
			if n == nil {
				ok = false
				break
			}
			n.mu.Lock()
			locked = append(locked, n)
		}
		if !ok {
			for _, n := range locked {
				n.mu.Unlock()
			}
			continue
		}

		var unlinks [][2]string // {from, to}: reverse edges left by pruning
		func() {
			defer func() {
				for _, n := range locked {
					n.mu.Unlock()
				}
			}()

			if lc >= len(selfNode.neighbors) {
				return
			}
			selfNode.neighbors[lc] = appendUnique(selfNode.neighbors[lc], neighbors...)

			for _, nb := range neighbors {
				nbNode := idx.getNode(nb)
				if nbNode == nil || lc >= len(nbNode.neighbors) {
					continue
				}
				nbNode.neighbors[lc] = appendUnique(nbNode.neighbors[lc], id)

				maxDeg := idx.maxM(lc)
				if len(nbNode.neighbors[lc]) > maxDeg {
					pruned := idx.selectNeighborsHeuristicLocked(nbNode.id, lc, maxDeg)
					for _, old := range nbNode.neighbors[lc] {
						if !slices.Contains(pruned, old) {
							unlinks = append(unlinks, [2]string{old, nbNode.id})
						}
					}
					nbNode.neighbors[lc] = pruned
				}
			}
		}()
		for _, u := range unlinks {
			if n := idx.getNode(u[0]); n != nil {
				n.mu.Lock()
				if lc < len(n.neighbors) {
					n.neighbors[lc] = slices.DeleteFunc(n.neighbors[lc], func(s string) bool { return s == u[1] })
				}
				n.mu.Unlock()
			}
		}
		return nil
	}
	idx.log.Warn("installEdges: retry budget exhausted", "id", id, "layer", lc)
	return ErrTransientConflict
}

func appendUnique(s []string, ids ...string) []string {
	for _, id := range ids {
		found := false
		for _, existing := range s {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			s = append(s, id)
		}
	}
	return s
}

// selectNeighborsHeuristicLocked re-selects maxDeg neighbors for nodeID at
// layer lc from its current (over-full) neighbor list. The caller already
// holds nodeID's write lock.
func (idx *Index) selectNeighborsHeuristicLocked(nodeID string, lc, maxDeg int) []string {
	nd := idx.getNode(nodeID)
	if nd == nil || lc >= len(nd.neighbors) {
		return nil
	}
	candidates := append([]string(nil), nd.neighbors[lc]...)
	return idx.selectNeighborsHeuristic(idx.vectorOf(nodeID), candidates, maxDeg)
}

// vectorOf fetches a node's vector for re-ranking during pruning. Since
// this package never stores the vector on the node itself (the record
// store, pkg/record, is the sole owner of vector bytes per spec.md §9
// "never store owning references to records inside other records"), the
// index keeps its own id->vector map populated at Insert time purely for
// distance computation; this is the one deliberate exception and holds
// only the immutable []float32, never attributes.
func (idx *Index) vectorOf(id string) []float32 {
	idx.vecMu.RLock()
	defer idx.vecMu.RUnlock()
	return idx.vectors[id]
}

// selectNeighborsHeuristic implements Malkov's heuristic selection
// (spec.md §4.4.3): from candidates sorted by distance to query, accept a
// candidate only if it is closer to the query than to every
// already-accepted neighbor.
func (idx *Index) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	type cand struct {
		id   string
		dist float32
	}
	pairs := make([]cand, 0, len(candidates))
	for _, c := range candidates {
		v := idx.vectorOf(c)
		if v == nil {
			continue
		}
		pairs = append(pairs, cand{id: c, dist: idx.dist(query, v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	selected := make([]string, 0, m)
	for _, p := range pairs {
		if len(selected) >= m {
			break
		}
		diverse := true
		for _, s := range selected {
			sv := idx.vectorOf(s)
			if idx.dist(idx.vectorOf(p.id), sv) <= p.dist {
				diverse = false
				break
			}
		}
		if diverse || len(selected) == 0 {
			selected = append(selected, p.id)
		}
	}
	// Heuristic selection can reject enough candidates to leave the pool
	// short of m even when more candidates were available; backfill with
	// the remaining closest ones so degree stays as close to m as the
	// candidate pool allows.
	if len(selected) < m {
		have := make(map[string]bool, len(selected))
		for _, s := range selected {
			have[s] = true
		}
		for _, p := range pairs {
			if len(selected) >= m {
				break
			}
			if !have[p.id] {
				selected = append(selected, p.id)
				have[p.id] = true
			}
		}
	}
	return selected
}

// heapItem is one entry in a candidate/result heap: an id at a distance
// from the current query vector.
type heapItem struct {
	id   string
	dist float32
}

// minHeap pops the closest item first; used for the candidate frontier
// during best-first search.
type minHeap []heapItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxHeap pops the farthest item first; used to keep only the ef closest
// results found so far, evicting the worst when the heap overflows.
type maxHeap []heapItem

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// neighborsAt returns a snapshot of id's neighbor ids at layer l.
// Tombstoned neighbors are NOT filtered here — a tombstoned node remains a legal traversal waypoint (spec.md §4.4.5); it
// is excluded only from final result sets, in Search.
func (idx *Index) neighborsAt(id string, l int) []string {
	nd := idx.getNode(id)
	if nd == nil {
		return nil
	}
	nd.mu.RLock()
	defer nd.mu.RUnlock()
	if l >= len(nd.neighbors) {
		return nil
	}
	out := make([]string, len(nd.neighbors[l]))
	copy(out, nd.neighbors[l])
	return out
}

// searchLayerClosest returns the single closest of the ef closest nodes to
// query among entryPoints and their neighbors at layer l, as a slice of
// one id (or empty if nothing is reachable). Used for ef=1 descent through
// upper layers during Insert and Search.
func (idx *Index) searchLayerClosest(query []float32, entryPoints []string, ef, l int) []string {
	results := idx.searchLayer(query, entryPoints, ef, l)
	if len(results) == 0 {
		return nil
	}
	best := results[0]
	bestDist := idx.dist(query, idx.vectorOf(best))
	for _, r := range results[1:] {
		d := idx.dist(query, idx.vectorOf(r))
		if d < bestDist {
			best, bestDist = r, d
		}
	}
	return []string{best}
}

// searchLayer performs best-first search at layer l starting from
// entryPoints, expanding through each visited node's neighbor list and
// keeping the ef closest candidates found (spec.md §4.4.4). It returns
// candidate ids sorted by ascending distance to query, including
// tombstoned nodes (callers filter as appropriate).
func (idx *Index) searchLayer(query []float32, entryPoints []string, ef, l int) []string {
	visited := make(map[string]bool)
	candidates := &minHeap{}
	results := &maxHeap{}

	for _, ep := range entryPoints {
		v := idx.vectorOf(ep)
		if v == nil || visited[ep] {
			continue
		}
		visited[ep] = true
		d := idx.dist(query, v)
		heap.Push(candidates, heapItem{id: ep, dist: d})
		heap.Push(results, heapItem{id: ep, dist: d})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(heapItem)
		if results.Len() >= ef {
			worst := (*results)[0]
			if c.dist > worst.dist {
				break
			}
		}
		for _, nb := range idx.neighborsAt(c.id, l) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			v := idx.vectorOf(nb)
			if v == nil {
				continue
			}
			d := idx.dist(query, v)
			if results.Len() < ef {
				heap.Push(candidates, heapItem{id: nb, dist: d})
				heap.Push(results, heapItem{id: nb, dist: d})
			} else if d < (*results)[0].dist {
				heap.Push(candidates, heapItem{id: nb, dist: d})
				heap.Push(results, heapItem{id: nb, dist: d})
				heap.Pop(results)
			}
		}
	}

	out := make([]heapItem, len(*results))
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	ids := make([]string, len(out))
	for i, it := range out {
		ids[i] = it.id
	}
	return ids
}

// Result is one ranked hit from Search.
type Result struct {
	ID       string
	Distance float32
}

// Search returns up to k nearest, non-tombstoned neighbors of query,
// exploring ef candidates at layer 0 (spec.md §4.4.4). If ef<=0 the
// index's configured EfSearch is used; ef is always raised to at least k.
// A non-zero deadline is checked between each layer of the upper-layer
// descent and again before the layer-0 expansion; once it has passed the
// search aborts with ErrDeadlineExceeded instead of starting the next
// layer (spec.md §4: "aborts at the next safe point... between layers in
// HNSW").
func (idx *Index) Search(query []float32, k, ef int, deadline time.Time) ([]Result, error) {
	if len(query) == 0 {
		return nil, ErrInvalidVector
	}
	ep := idx.entry.Load()
	if ep == nil {
		return nil, nil
	}
	if ef <= 0 {
		ef = idx.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	curr := []string{ep.id}
	for lc := ep.layer; lc > 0; lc-- {
		if expired(deadline) {
			return nil, ErrDeadlineExceeded
		}
		curr = idx.searchLayerClosest(query, curr, 1, lc)
		if len(curr) == 0 {
			curr = []string{ep.id}
		}
	}

	if expired(deadline) {
		return nil, ErrDeadlineExceeded
	}
	candidates := idx.searchLayer(query, curr, ef, 0)
	results := make([]Result, 0, k)
	for _, id := range candidates {
		nd := idx.getNode(id)
		if nd == nil {
			continue
		}
		nd.mu.RLock()
		deleted := nd.deleted
		nd.mu.RUnlock()
		if deleted {
			continue
		}
		results = append(results, Result{ID: id, Distance: idx.dist(query, idx.vectorOf(id))})
		if len(results) >= k {
			break
		}
	}
	return results, nil
}

// Delete tombstones id: it is removed from future Search results but
// remains in the graph as a traversal waypoint, and its neighbor edges are
// left intact (spec.md §4.4.5). The entry point is NEVER reassigned by an
// ordinary delete, even if id is the current entry — a tombstoned entry
// point is still a legal greedy-descent starting node. Nothing in this
// module compacts the graph or removes a node, so the entry point is never
// reassigned away from a tombstoned node.
func (idx *Index) Delete(id string) error {
	nd := idx.getNode(id)
	if nd == nil {
		return ErrNotFound
	}
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if nd.deleted {
		return ErrNotFound
	}
	nd.deleted = true
	return nil
}

// Stats summarizes the index's current shape.
type Stats struct {
	Nodes      int
	Tombstones int
	EntryID    string
	EntryLayer int
}

// Stats returns a point-in-time snapshot of index shape.
func (idx *Index) Stats() Stats {
	idx.mapMu.RLock()
	defer idx.mapMu.RUnlock()
	var st Stats
	for _, nd := range idx.nodes {
		nd.mu.RLock()
		if nd.deleted {
			st.Tombstones++
		}
		nd.mu.RUnlock()
	}
	st.Nodes = len(idx.nodes)
	if ep := idx.entry.Load(); ep != nil {
		st.EntryID = ep.id
		st.EntryLayer = ep.layer
	}
	return st
}
