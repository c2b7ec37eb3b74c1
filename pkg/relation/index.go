// Package relation implements the relationship/context index (spec.md
// §4.5): a symmetric adjacency map for bounded-depth traversal, plus
// insertion-ordered context membership sets.
package relation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Relate when either endpoint has not been
// registered via Register.
var ErrNotFound = errors.New("relation: id not found")

// Edge is one symmetric relationship edge, carrying an internal bookkeeping
// id that never crosses the package's public API surface (SPEC_FULL.md §5
// "typed relationship edges... superset of the bare rel:id->set<id> map").
type Edge struct {
	id     string
	To     string
	Kind   string
	Weight float32
}

type member struct {
	insertedAt time.Time
}

// Index holds the rel and ctx maps of spec.md §4.5.
type Index struct {
	mu sync.RWMutex

	// known records this index has seen via Register, in insertion order,
	// used to resolve relate/related against ids that genuinely exist.
	known map[string]member

	rel map[string]map[string]Edge  // id -> to-id -> Edge
	ctx map[string]map[string]bool  // context -> member ids
	ord map[string][]string         // context -> ids in insertion order
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		known: make(map[string]member),
		rel:   make(map[string]map[string]Edge),
		ctx:   make(map[string]map[string]bool),
		ord:   make(map[string][]string),
	}
}

// Register declares id as existing, optionally attaching it to context
// ctx (empty string means no context). Context membership is immutable
// once set (spec.md §4.5 "Context membership is set at insert time and
// immutable thereafter"): calling Register again for an id already in a
// context with a different ctx does not move it.
func (idx *Index) Register(id string, ctx string, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.known[id]; exists {
		return
	}
	idx.known[id] = member{insertedAt: now}
	if ctx == "" {
		return
	}
	if idx.ctx[ctx] == nil {
		idx.ctx[ctx] = make(map[string]bool)
	}
	if !idx.ctx[ctx][id] {
		idx.ctx[ctx][id] = true
		idx.ord[ctx] = append(idx.ord[ctx], id)
	}
}

// Unregister removes id from the known set and from any context it
// belonged to, and drops every edge touching it. Called by the memory
// manager on delete/eviction.
func (idx *Index) Unregister(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.known, id)
	for c, members := range idx.ctx {
		if !members[id] {
			continue
		}
		delete(members, id)
		ord := idx.ord[c]
		for i, m := range ord {
			if m == id {
				idx.ord[c] = append(ord[:i:i], ord[i+1:]...)
				break
			}
		}
	}
	for _, edges := range idx.rel {
		delete(edges, id)
	}
	delete(idx.rel, id)
}

// Relate inserts symmetric edges (a,b) and (b,a) of the given kind and
// weight. Fails ErrNotFound if either id has not been Registered.
func (idx *Index) Relate(a, b, kind string, weight float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.known[a]; !ok {
		return ErrNotFound
	}
	if _, ok := idx.known[b]; !ok {
		return ErrNotFound
	}
	if idx.rel[a] == nil {
		idx.rel[a] = make(map[string]Edge)
	}
	if idx.rel[b] == nil {
		idx.rel[b] = make(map[string]Edge)
	}
	idx.rel[a][b] = Edge{id: uuid.NewString(), To: b, Kind: kind, Weight: weight}
	idx.rel[b][a] = Edge{id: uuid.NewString(), To: a, Kind: kind, Weight: weight}
	return nil
}

// bfs walks the relationship graph from id out to maxDepth hops, returning
// the edge that first discovered each reachable id (its BFS-parent hop).
// Callers must hold at least idx.mu.RLock(). Returns nil if id is unknown
// or maxDepth<=0, distinct from a non-nil empty result for a known id with
// nothing reachable.
func (idx *Index) bfs(id string, maxDepth int) map[string]Edge {
	if maxDepth <= 0 {
		return nil
	}
	if _, ok := idx.known[id]; !ok {
		return nil
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	found := make(map[string]Edge)

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			for to, e := range idx.rel[cur] {
				if visited[to] {
					continue
				}
				visited[to] = true
				found[to] = e
				next = append(next, to)
			}
		}
		frontier = next
	}
	return found
}

// Related returns the ids reachable from id within maxDepth hops (BFS),
// excluding id itself, ordered by insertion timestamp then id (spec.md
// §4.5). maxDepth<=0 or an unregistered id returns nil.
func (idx *Index) Related(id string, maxDepth int) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	found := idx.bfs(id, maxDepth)
	if found == nil {
		return nil
	}

	out := make([]string, 0, len(found))
	for to := range found {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := idx.known[out[i]], idx.known[out[j]]
		if !mi.insertedAt.Equal(mj.insertedAt) {
			return mi.insertedAt.Before(mj.insertedAt)
		}
		return out[i] < out[j]
	})
	return out
}

// RelatedEdge pairs a reachable id with the kind/weight of the edge its
// BFS parent used to reach it (SPEC_FULL.md §5: "related(id, max_depth)
// can report edge kind/weight alongside each reachable id, a strict
// superset of spec.md §4.5's set<id> contract").
type RelatedEdge struct {
	ID     string
	Kind   string
	Weight float32
}

// RelatedWithEdges is Related, but each reachable id carries the typed
// edge data of the hop that discovered it, for callers that want more than
// a bare id set.
func (idx *Index) RelatedWithEdges(id string, maxDepth int) []RelatedEdge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	found := idx.bfs(id, maxDepth)
	if found == nil {
		return nil
	}

	out := make([]RelatedEdge, 0, len(found))
	for to, e := range found {
		out = append(out, RelatedEdge{ID: to, Kind: e.Kind, Weight: e.Weight})
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := idx.known[out[i].ID], idx.known[out[j].ID]
		if !mi.insertedAt.Equal(mj.insertedAt) {
			return mi.insertedAt.Before(mj.insertedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Edges returns id's outgoing relationship edges, sorted by peer id, for
// callers that need the typed Edge data rather than bare ids.
func (idx *Index) Edges(id string) []Edge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	edges := idx.rel[id]
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })
	return out
}

// ContextScan returns the ids registered under ctx, in insertion order.
func (idx *Index) ContextScan(ctx string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ord := idx.ord[ctx]
	out := make([]string, len(ord))
	copy(out, ord)
	return out
}

// ContextSize reports how many ids are registered under ctx.
func (idx *Index) ContextSize(ctx string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ord[ctx])
}
