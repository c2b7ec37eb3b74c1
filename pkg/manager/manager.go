// Package manager implements the memory manager facade (spec.md §4.6): the
// only component callers touch directly. It orchestrates validation,
// storage in pkg/record, indexing in pkg/hnsw, registration in
// pkg/relation, and temporal re-ranking via pkg/temporal.
package manager

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/tempovec/pkg/hnsw"
	"github.com/liliang-cn/tempovec/pkg/logging"
	"github.com/liliang-cn/tempovec/pkg/metric"
	"github.com/liliang-cn/tempovec/pkg/record"
	"github.com/liliang-cn/tempovec/pkg/relation"
	"github.com/liliang-cn/tempovec/pkg/temporal"
)

// Errors surfaced by Manager. The root tempovec package maps these onto
// its public taxonomy (spec.md §6).
var (
	ErrInvalidDimensions = errors.New("manager: invalid vector dimensions")
	ErrInvalidVector     = errors.New("manager: invalid vector")
	ErrAlreadyExists     = errors.New("manager: already exists")
	ErrNotFound          = errors.New("manager: not found")
	ErrTransientConflict = errors.New("manager: transient conflict")
	ErrDeadlineExceeded  = errors.New("manager: deadline exceeded")
)

// Config holds the options accepted by open() (spec.md §6).
type Config struct {
	Dimensions           int
	Metric               metric.Metric
	M                    int
	EfConstruction       int
	EfSearch             int
	TemporalWeight       float32
	BaseDecayRate        float32
	EvictionFloor        float32
	MaxRecords           int
	ContextScanThreshold int
	MergeThreshold       float32
	Logger               logging.Logger
}

// DefaultConfig returns spec.md §6's defaults for every option besides
// Dimensions/Metric, which callers must always supply.
func DefaultConfig(dimensions int, m metric.Metric) Config {
	return Config{
		Dimensions:           dimensions,
		Metric:               m,
		M:                    16,
		EfConstruction:       100,
		EfSearch:             50,
		TemporalWeight:       0.3,
		BaseDecayRate:        float32(0.6931471805599453 / (7 * 86400)), // ln(2)/7d
		EvictionFloor:        1e-3,
		MaxRecords:           0, // 0 = unbounded
		ContextScanThreshold: 1024,
		MergeThreshold:       0.02,
	}
}

// Policy mirrors the per-call options of spec.md §6.
type Policy struct {
	EfSearch       int
	TemporalWeight *float32
	ContextFilter  string
	Deadline       *time.Time
}

// Hit is one ranked search result: a full record plus the fused score it
// was ranked by and its raw geometric distance.
type Hit struct {
	Record   record.Record
	Score    float32
	Distance float32
}

// CleanupReport summarizes one cleanup() call (spec.md §4.6).
type CleanupReport struct {
	Evicted []string
	Errors  []error
}

// Manager is the C6 facade.
type Manager struct {
	cfg     Config
	dist    metric.Func
	log     logging.Logger
	records *record.Store
	index   *hnsw.Index
	rel     *relation.Index
}

// New constructs a Manager with fresh, empty C3/C4/C5 state.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Manager{
		cfg:     cfg,
		dist:    metric.For(cfg.Metric),
		log:     cfg.Logger,
		records: record.New(cfg.EvictionFloor),
		index: hnsw.New(hnsw.Config{
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
			Seed:           1,
		}, metric.For(cfg.Metric), cfg.Logger),
		rel: relation.New(),
	}
}

// validate checks dimensionality/finiteness and, for cosine, normalizes
// the vector (spec.md §3: "the stored form is the normalized form").
// Returns the vector to store (a copy when normalized) or an error.
func (m *Manager) validate(data []float32) ([]float32, error) {
	if len(data) != m.cfg.Dimensions {
		return nil, ErrInvalidDimensions
	}
	for _, v := range data {
		if v != v || v > 3.4e38 || v < -3.4e38 {
			return nil, ErrInvalidVector
		}
	}
	if m.cfg.Metric == metric.Cosine {
		normalized, ok := metric.Normalize(data)
		if !ok {
			return nil, ErrInvalidVector
		}
		return normalized, nil
	}
	return data, nil
}

// Insert validates, normalizes, stores in C3, indexes in C4, and registers
// in C5, installing relationship edges to any ids in attrs.Relationships
// that already exist.
func (m *Manager) Insert(id string, data []float32, attrs record.Attrs, now time.Time) error {
	vec, err := m.validate(data)
	if err != nil {
		return err
	}
	if attrs.DecayRate == 0 {
		attrs.DecayRate = m.cfg.BaseDecayRate
	}
	if attrs.CreatedAt.IsZero() {
		attrs.CreatedAt = now
	}
	if attrs.LastAccessed.IsZero() {
		attrs.LastAccessed = now
	}

	// Only peers that Relate accepts below are added to the stored set.
	rels := attrs.Relationships
	attrs.Relationships = nil
	if err := m.records.Put(id, vec, attrs); err != nil {
		if errors.Is(err, record.ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return err
	}

	if err := m.index.Insert(id, vec); err != nil {
		// Roll back the record-store insert is explicitly NOT required by
		// spec.md §5 for deadline abort, but a hard HNSW failure here
		// (anything but success) leaves a record unreachable by search; a
		// maintenance pass is the documented recovery path (spec.md §5).
		m.log.Error("index insert failed after record put", "id", id, "err", err)
		if errors.Is(err, hnsw.ErrTransientConflict) {
			return ErrTransientConflict
		}
		return err
	}

	m.rel.Register(id, attrs.Context, now)
	for other := range rels {
		if err := m.rel.Relate(id, other, "related", 1); err == nil {
			m.records.AddRelationship(id, other)
			m.records.AddRelationship(other, id)
		}
	}
	return nil
}

// resolveWeight returns the effective temporal weight for a call given an
// optional per-call override.
func (m *Manager) resolveWeight(override *float32) temporal.Weight {
	if override != nil {
		return temporal.Weight(*override)
	}
	return temporal.Weight(m.cfg.TemporalWeight)
}

// deadlineOf returns the zero time.Time (meaning "no deadline") when p is
// unset.
func deadlineOf(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// expired reports whether deadline is set and has already passed.
func expired(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// rank turns raw HNSW results into ranked Hits: it re-fetches each
// candidate from C3 (skipping any concurrently deleted and, when
// contextFilter is non-empty, any record outside that context — spec.md
// §6's policy.context_filter), applies C2 checking deadline between
// candidates (spec.md §5), and trims to k.
func (m *Manager) rank(raw []hnsw.Result, k int, w temporal.Weight, now time.Time, contextFilter string, deadline time.Time) ([]Hit, error) {
	candidates := make([]temporal.Candidate, 0, len(raw))
	recs := make(map[string]record.Record, len(raw))
	for _, r := range raw {
		rec, err := m.records.Get(r.ID)
		if err != nil {
			continue
		}
		if contextFilter != "" && rec.Attrs.Context != contextFilter {
			continue
		}
		recs[r.ID] = rec
		candidates = append(candidates, temporal.Candidate{
			ID:           r.ID,
			Distance:     r.Distance,
			LastAccessed: rec.Attrs.LastAccessed,
			Importance:   rec.Attrs.Importance,
			DecayRate:    rec.Attrs.DecayRate,
		})
	}
	scored, err := temporal.Rank(candidates, w, now, deadline)
	if err != nil {
		if errors.Is(err, temporal.ErrDeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		}
		return nil, err
	}
	if k < len(scored) {
		scored = scored[:k]
	}
	hits := make([]Hit, len(scored))
	touched := make([]string, len(scored))
	for i, s := range scored {
		hits[i] = Hit{Record: recs[s.ID], Score: s.Score, Distance: s.Distance}
		touched[i] = s.ID
	}
	if len(touched) > 0 {
		m.records.TouchMany(touched, now)
	}
	return hits, nil
}

// Search implements search_similar (spec.md §4.6): obtain K'=max(k,
// ef_search) raw candidates from C4, re-rank with C2, touch the returned
// ids. k=0 returns an empty, non-error result; k exceeding the number of
// stored (non-tombstoned) records returns all of them. A set policy.Deadline
// is checked between HNSW layers and between scorer candidates (spec.md
// §5), surfacing ErrDeadlineExceeded at the first safe point past expiry.
func (m *Manager) Search(query []float32, k int, policy Policy, now time.Time) ([]Hit, error) {
	if k == 0 {
		return nil, nil
	}
	vec, err := m.validate(query)
	if err != nil {
		return nil, err
	}
	ef := policy.EfSearch
	if ef <= 0 {
		ef = m.cfg.EfSearch
	}
	kPrime := k
	if ef > kPrime {
		kPrime = ef
	}
	deadline := deadlineOf(policy.Deadline)
	raw, err := m.index.Search(vec, kPrime, ef, deadline)
	if err != nil {
		if errors.Is(err, hnsw.ErrDeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		}
		return nil, err
	}
	w := m.resolveWeight(policy.TemporalWeight)
	return m.rank(raw, k, w, now, policy.ContextFilter, deadline)
}

// SearchByContext implements search_by_context (spec.md §4.6): a linear
// scan for contexts at or below ContextScanThreshold, parallelized across
// chunks with errgroup; for larger contexts it over-fetches from C4 (ef
// scaled by the ratio of context size to k) and filters the raw candidate
// set down to context membership, approximating "a context-restricted
// variant of the HNSW search where non-context ids are followed but not
// returned" without requiring C4 to support a traversal-time predicate.
// policy.ContextFilter, if set, narrows the result further still (useful
// when a caller wants an intersection of ctx with a second label).
func (m *Manager) SearchByContext(ctx string, query []float32, k int, policy Policy, now time.Time) ([]Hit, error) {
	if k == 0 {
		return nil, nil
	}
	vec, err := m.validate(query)
	if err != nil {
		return nil, err
	}
	deadline := deadlineOf(policy.Deadline)
	if expired(deadline) {
		return nil, ErrDeadlineExceeded
	}
	ids := m.rel.ContextScan(ctx)
	if len(ids) == 0 {
		return nil, nil
	}

	var raw []hnsw.Result
	if len(ids) <= m.cfg.ContextScanThreshold {
		raw, err = m.linearScan(ids, vec)
	} else {
		raw, err = m.restrictedScan(ids, vec, k, deadline)
	}
	if err != nil {
		if errors.Is(err, hnsw.ErrDeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		}
		return nil, err
	}

	w := m.resolveWeight(policy.TemporalWeight)
	return m.rank(raw, k, w, now, policy.ContextFilter, deadline)
}

// linearScan computes exact distances for every id in a (small) context,
// parallelized in chunks via errgroup.
func (m *Manager) linearScan(ids []string, query []float32) ([]hnsw.Result, error) {
	const chunkSize = 128
	results := make([][]hnsw.Result, (len(ids)+chunkSize-1)/chunkSize)

	var g errgroup.Group
	for c := 0; c*chunkSize < len(ids); c++ {
		c := c
		g.Go(func() error {
			start := c * chunkSize
			end := start + chunkSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := make([]hnsw.Result, 0, end-start)
			for _, id := range ids[start:end] {
				rec, err := m.records.Get(id)
				if err != nil {
					continue
				}
				chunk = append(chunk, hnsw.Result{ID: id, Distance: m.dist(query, rec.Data)})
			}
			results[c] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []hnsw.Result
	for _, chunk := range results {
		out = append(out, chunk...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// restrictedScan over-fetches from the HNSW index and filters to the
// context's id set.
func (m *Manager) restrictedScan(ids []string, query []float32, k int, deadline time.Time) ([]hnsw.Result, error) {
	inCtx := make(map[string]bool, len(ids))
	for _, id := range ids {
		inCtx[id] = true
	}
	ef := m.cfg.EfSearch * (len(ids)/max1(k) + 1)
	raw, err := m.index.Search(query, ef, ef, deadline)
	if err != nil {
		return nil, err
	}
	out := make([]hnsw.Result, 0, k)
	for _, r := range raw {
		if inCtx[r.ID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func max1(k int) int {
	if k <= 0 {
		return 1
	}
	return k
}

// Get returns a full record snapshot for id.
func (m *Manager) Get(id string) (record.Record, error) {
	rec, err := m.records.Get(id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return record.Record{}, ErrNotFound
		}
		return record.Record{}, err
	}
	return rec, nil
}

// RangeRecords calls fn for every currently-stored record in an
// unspecified order, stopping early if fn returns false. Used by the root
// package's Snapshot.
func (m *Manager) RangeRecords(fn func(record.Record) bool) {
	m.records.Range(fn)
}

// RelatedHit pairs a reachable record with the kind/weight of the
// relationship edge that reached it (SPEC_FULL.md §5's typed-edge
// supplement, a strict superset of spec.md §4.5's bare set<id> contract).
type RelatedHit struct {
	Record record.Record
	Kind   string
	Weight float32
}

// GetRelated delegates to C5 and returns full records, with their typed
// edge data, for every id reachable within maxDepth hops.
func (m *Manager) GetRelated(id string, maxDepth int) ([]RelatedHit, error) {
	edges := m.rel.RelatedWithEdges(id, maxDepth)
	out := make([]RelatedHit, 0, len(edges))
	for _, e := range edges {
		rec, err := m.records.Get(e.ID)
		if err != nil {
			continue
		}
		out = append(out, RelatedHit{Record: rec, Kind: e.Kind, Weight: e.Weight})
	}
	return out, nil
}

// Delete removes id from C3, tombstones it in C4, and unregisters it from
// C5.
func (m *Manager) Delete(id string) error {
	if err := m.records.Delete(id); err != nil {
		if errors.Is(err, record.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := m.index.Delete(id); err != nil && !errors.Is(err, hnsw.ErrNotFound) {
		m.log.Warn("index delete failed", "id", id, "err", err)
	}
	m.rel.Unregister(id)
	return nil
}

// Cleanup implements cleanup() (spec.md §4.6): runs decay_step, deletes
// every record reported evictable, then evicts further low-importance
// records if MaxRecords is set and still exceeded.
func (m *Manager) Cleanup(now time.Time) CleanupReport {
	var report CleanupReport
	evictable := m.records.DecayStep(now)
	for _, id := range evictable {
		if err := m.Delete(id); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Evicted = append(report.Evicted, id)
	}

	if m.cfg.MaxRecords > 0 {
		m.evictToCap(now, &report)
	}
	return report
}

// evictToCap evicts the lowest effective-importance records until the
// store is at or below MaxRecords.
func (m *Manager) evictToCap(now time.Time, report *CleanupReport) {
	over := m.records.Len() - m.cfg.MaxRecords
	if over <= 0 {
		return
	}
	type scored struct {
		id  string
		eff float32
	}
	var all []scored
	m.records.Range(func(r record.Record) bool {
		eff := temporal.EffectiveImportance(temporal.Candidate{
			LastAccessed: r.Attrs.LastAccessed,
			Importance:   r.Attrs.Importance,
			DecayRate:    r.Attrs.DecayRate,
		}, now)
		all = append(all, scored{id: r.ID, eff: eff})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].eff < all[j].eff })
	for i := 0; i < over && i < len(all); i++ {
		if err := m.Delete(all[i].id); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Evicted = append(report.Evicted, all[i].id)
	}
}

// Consolidate implements consolidate(ctx) (spec.md §4.6): greedily
// clusters records in ctx whose pairwise distance is below MergeThreshold,
// replacing each cluster of size > 1 with a single record whose vector is
// the importance-weighted mean (renormalized for cosine) and whose
// importance is the cluster's importance sum, clamped to 1. Returns the
// number of clusters merged.
//
// fn, if non-nil, overrides the numeric merge with caller-supplied synthesis
// logic (SPEC_FULL.md §5's MergeFn hook, mirroring the teacher's
// ConsolidateFn): it receives the cluster and the numerically-computed
// vector/attrs and returns what actually gets inserted, letting a caller
// plug in e.g. LLM-based textual summarization instead of the numeric
// default.
func (m *Manager) Consolidate(ctx string, now time.Time, fn MergeFn) (int, error) {
	ids := m.rel.ContextScan(ctx)
	recs := make([]record.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := m.records.Get(id)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}

	clusters := m.clusterByThreshold(recs)
	merged := 0
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		if err := m.mergeCluster(ctx, cluster, now, fn); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

// MergeFn lets a caller override consolidate's numeric merge with custom
// synthesis logic, mirroring the teacher's ConsolidateFn hook (SPEC_FULL.md
// §5). It receives the records being merged plus the vector/attrs the
// numeric default would insert, and returns what should actually be
// inserted in their place.
type MergeFn func(cluster []record.Record, vec []float32, attrs record.Attrs) ([]float32, record.Attrs, error)

// clusterByThreshold does greedy single-linkage clustering: a record
// joins the first existing cluster any of whose members it is within
// MergeThreshold of, else starts a new cluster.
func (m *Manager) clusterByThreshold(recs []record.Record) [][]record.Record {
	var clusters [][]record.Record
	for _, r := range recs {
		placed := false
		for ci, cluster := range clusters {
			for _, member := range cluster {
				if m.dist(r.Data, member.Data) < m.cfg.MergeThreshold {
					clusters[ci] = append(clusters[ci], r)
					placed = true
					break
				}
			}
			if placed {
				break
			}
		}
		if !placed {
			clusters = append(clusters, []record.Record{r})
		}
	}
	return clusters
}

// mergeCluster replaces cluster with one new record and deletes the
// originals.
func (m *Manager) mergeCluster(ctx string, cluster []record.Record, now time.Time, fn MergeFn) error {
	dim := len(cluster[0].Data)
	mean := make([]float32, dim)
	var importanceSum float32
	var decaySum float32
	metadata := make(map[string]string)
	for _, r := range cluster {
		w := r.Attrs.Importance
		if w == 0 {
			w = 1e-6
		}
		for i, v := range r.Data {
			mean[i] += v * w
		}
		importanceSum += r.Attrs.Importance
		decaySum += r.Attrs.DecayRate
		for k, v := range r.Attrs.Metadata {
			metadata[k] = v
		}
	}
	var weightTotal float32
	for _, r := range cluster {
		w := r.Attrs.Importance
		if w == 0 {
			w = 1e-6
		}
		weightTotal += w
	}
	for i := range mean {
		mean[i] /= weightTotal
	}
	if m.cfg.Metric == metric.Cosine {
		if normalized, ok := metric.Normalize(mean); ok {
			mean = normalized
		}
	}
	if importanceSum > 1 {
		importanceSum = 1
	}

	attrs := record.Attrs{
		CreatedAt:    now,
		LastAccessed: now,
		Importance:   importanceSum,
		Context:      ctx,
		DecayRate:    decaySum / float32(len(cluster)),
		Metadata:     metadata,
	}
	vec := mean
	if fn != nil {
		var err error
		vec, attrs, err = fn(cluster, mean, attrs)
		if err != nil {
			return err
		}
	}

	newID := uuid.NewString()
	if err := m.Insert(newID, vec, attrs, now); err != nil {
		return err
	}
	for _, r := range cluster {
		if err := m.Delete(r.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// Stats reports the manager's current shape, combining record-store size
// with HNSW graph shape.
type Stats struct {
	Records    int
	IndexNodes int
	Tombstones int
}

// Stats returns a point-in-time snapshot.
func (m *Manager) Stats() Stats {
	hst := m.index.Stats()
	return Stats{Records: m.records.Len(), IndexNodes: hst.Nodes, Tombstones: hst.Tombstones}
}
