package tempovec

import (
	"errors"
	"time"

	"github.com/liliang-cn/tempovec/pkg/manager"
)

// Policy carries the per-call options recognized by Search (spec.md §6).
// A nil TemporalWeight uses the store's configured default.
type Policy struct {
	EfSearch       int
	TemporalWeight *float32
	ContextFilter  string
	Deadline       *time.Time
}

// Hit is one ranked search result.
type Hit struct {
	ID       string
	Data     []float32
	Attrs    Attrs
	Score    float32
	Distance float32
}

// RelatedHit pairs a record reachable via Related with the kind/weight of
// the relationship edge that reached it.
type RelatedHit struct {
	ID     string
	Data   []float32
	Attrs  Attrs
	Kind   string
	Weight float32
}

// MergeFn lets a caller override Consolidate's numeric merge with custom
// synthesis logic, mirroring the teacher's ConsolidateFn hook.
type MergeFn = manager.MergeFn

// CleanupReport summarizes one Cleanup call.
type CleanupReport struct {
	Evicted []string
	Errors  []error
}

// Stats reports the store's current shape.
type Stats struct {
	Records    int
	IndexNodes int
	Tombstones int
}

// Store is the public library API (spec.md §6): open/insert/get/search/
// related/delete/cleanup over an in-process, concurrent, temporal-aware
// ANN index. The zero value is not usable; construct with Open.
type Store struct {
	cfg Config
	mgr *manager.Manager
}

// Open constructs a Store from cfg. Dimensions and Metric must be set;
// every other field except TemporalWeight and MaxRecords falls back to
// spec.md §6's documented default when left zero. A zero TemporalWeight
// means w=0 and a zero MaxRecords means no cap.
func Open(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, mgr: manager.New(cfg.toManagerConfig())}, nil
}

// Insert validates, normalizes, and indexes a new record under id. now
// defaults attrs.CreatedAt/LastAccessed when left zero.
func (s *Store) Insert(id string, data []float32, attrs Attrs, now time.Time) error {
	return mapErr("Insert", s.mgr.Insert(id, data, attrs, now))
}

// Get returns a snapshot of the record stored under id.
func (s *Store) Get(id string) (Hit, error) {
	rec, err := s.mgr.Get(id)
	if err != nil {
		return Hit{}, mapErr("Get", err)
	}
	return Hit{ID: rec.ID, Data: rec.Data, Attrs: rec.Attrs}, nil
}

// Search finds the k nearest records to query, ranked by the fused
// temporal score (spec.md §4.2). k=0 returns an empty result successfully.
func (s *Store) Search(query []float32, k int, policy Policy, now time.Time) ([]Hit, error) {
	hits, err := s.mgr.Search(query, k, toManagerPolicy(policy), now)
	if err != nil {
		return nil, mapErr("Search", err)
	}
	return toHits(hits), nil
}

// SearchByContext finds the k nearest records to query within ctx.
func (s *Store) SearchByContext(ctx string, query []float32, k int, policy Policy, now time.Time) ([]Hit, error) {
	hits, err := s.mgr.SearchByContext(ctx, query, k, toManagerPolicy(policy), now)
	if err != nil {
		return nil, mapErr("SearchByContext", err)
	}
	return toHits(hits), nil
}

// Related returns the records reachable from id within maxDepth
// relationship hops, each carrying the kind/weight of the edge that
// reached it.
func (s *Store) Related(id string, maxDepth int) ([]RelatedHit, error) {
	hits, err := s.mgr.GetRelated(id, maxDepth)
	if err != nil {
		return nil, mapErr("Related", err)
	}
	out := make([]RelatedHit, len(hits))
	for i, h := range hits {
		out[i] = RelatedHit{
			ID:     h.Record.ID,
			Data:   h.Record.Data,
			Attrs:  h.Record.Attrs,
			Kind:   h.Kind,
			Weight: h.Weight,
		}
	}
	return out, nil
}

// Delete removes id.
func (s *Store) Delete(id string) error {
	return mapErr("Delete", s.mgr.Delete(id))
}

// Cleanup runs decay_step and evicts records that fell below the
// eviction floor (or exceed MaxRecords), tombstoning them in the index.
func (s *Store) Cleanup(now time.Time) CleanupReport {
	r := s.mgr.Cleanup(now)
	return CleanupReport{Evicted: r.Evicted, Errors: r.Errors}
}

// Consolidate collapses near-duplicate records within ctx into one
// importance-weighted merge. Returns the number of clusters merged. fn, if
// non-nil, overrides the numeric merge with caller-supplied synthesis
// logic (see MergeFn).
func (s *Store) Consolidate(ctx string, now time.Time, fn MergeFn) (int, error) {
	n, err := s.mgr.Consolidate(ctx, now, fn)
	return n, mapErr("Consolidate", err)
}

// Stats returns a point-in-time snapshot of the store's shape.
func (s *Store) Stats() Stats {
	st := s.mgr.Stats()
	return Stats{Records: st.Records, IndexNodes: st.IndexNodes, Tombstones: st.Tombstones}
}

func toManagerPolicy(p Policy) manager.Policy {
	return manager.Policy{
		EfSearch:       p.EfSearch,
		TemporalWeight: p.TemporalWeight,
		ContextFilter:  p.ContextFilter,
		Deadline:       p.Deadline,
	}
}

func toHits(in []manager.Hit) []Hit {
	out := make([]Hit, len(in))
	for i, h := range in {
		out[i] = Hit{
			ID:       h.Record.ID,
			Data:     h.Record.Data,
			Attrs:    h.Record.Attrs,
			Score:    h.Score,
			Distance: h.Distance,
		}
	}
	return out
}

// mapErr translates a pkg/manager error onto the public error taxonomy
// (spec.md §6), wrapping it with op for context.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, manager.ErrInvalidDimensions):
		return wrapError(op, ErrInvalidDimensions)
	case errors.Is(err, manager.ErrInvalidVector):
		return wrapError(op, ErrInvalidVector)
	case errors.Is(err, manager.ErrAlreadyExists):
		return wrapError(op, ErrAlreadyExists)
	case errors.Is(err, manager.ErrNotFound):
		return wrapError(op, ErrNotFound)
	case errors.Is(err, manager.ErrTransientConflict):
		return wrapError(op, ErrTransientConflict)
	case errors.Is(err, manager.ErrDeadlineExceeded):
		return wrapError(op, ErrDeadlineExceeded)
	default:
		return wrapError(op, err)
	}
}
