package manager

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/liliang-cn/tempovec/pkg/metric"
	"github.com/liliang-cn/tempovec/pkg/record"
)

func newTestManager() *Manager {
	cfg := DefaultConfig(3, metric.Cosine)
	return New(cfg)
}

func TestSelfRetrievalScenario(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	err := m.Insert("a", []float32{1, 0, 0}, record.Attrs{Importance: 0.5, CreatedAt: now, LastAccessed: now}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hits, err := m.Search([]float32{1, 0, 0}, 1, Policy{}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 || hits[0].Record.ID != "a" {
		t.Fatalf("expected [a], got %+v", hits)
	}
	if math.Abs(float64(hits[0].Score)-(-0.15)) > 1e-3 {
		t.Errorf("expected score ~-0.15, got %v", hits[0].Score)
	}
}

func TestTemporalOverrideScenario(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	decayRate := float32(math.Ln2 / 86400)
	oldAttrs := record.Attrs{
		Importance:   1.0,
		CreatedAt:    now.Add(-2e6 * time.Second),
		LastAccessed: now.Add(-1e6 * time.Second),
		DecayRate:    decayRate,
	}
	newAttrs := record.Attrs{
		Importance:   0.2,
		CreatedAt:    now,
		LastAccessed: now,
		DecayRate:    decayRate,
	}
	if err := m.Insert("old", []float32{1, 0, 0}, oldAttrs, now); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert("new", []float32{0.99, 0.14, 0}, newAttrs, now); err != nil {
		t.Fatal(err)
	}

	w := float32(0.5)
	hits, err := m.Search([]float32{1, 0, 0}, 1, Policy{TemporalWeight: &w}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Record.ID != "new" {
		t.Errorf("expected 'new' to win with w=0.5, got %+v", hits)
	}

	w0 := float32(0)
	hits, err = m.Search([]float32{1, 0, 0}, 1, Policy{TemporalWeight: &w0}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Record.ID != "old" {
		t.Errorf("expected 'old' to win with w=0, got %+v", hits)
	}
}

func TestTombstoneScenario(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("x", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	if err := m.Delete("x"); err != nil {
		t.Fatal(err)
	}
	hits, err := m.Search([]float32{1, 0, 0}, 5, Policy{}, now)
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		if h.Record.ID == "x" {
			t.Errorf("expected 'x' absent from results after delete, got %+v", hits)
		}
	}
}

func TestCleanupEvictionScenario(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	for i := 0; i < 100; i++ {
		id := string(rune('a' + i%26))
		id += string(rune('0' + i/26))
		m.Insert(id, randomUnitVec(i), record.Attrs{Importance: 1e-4, CreatedAt: now, LastAccessed: now}, now)
	}
	report := m.Cleanup(now)
	if len(report.Evicted) != 100 {
		t.Errorf("expected all 100 evicted, got %d", len(report.Evicted))
	}
	hits, _ := m.Search([]float32{1, 0, 0}, 10, Policy{}, now)
	if len(hits) != 0 {
		t.Errorf("expected empty search after full eviction, got %+v", hits)
	}
}

func randomUnitVec(seed int) []float32 {
	x := float32(1)
	y := float32(float64(seed%7) * 0.01)
	v := []float32{x, y, 0}
	n, ok := metric.Normalize(v)
	if !ok {
		return []float32{1, 0, 0}
	}
	return n
}

func TestSearchKZeroReturnsEmpty(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	hits, err := m.Search([]float32{1, 0, 0}, 0, Policy{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("expected empty for k=0, got %+v", hits)
	}
}

func TestSearchKExceedsRecordsReturnsAll(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	m.Insert("b", []float32{0, 1, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	hits, err := m.Search([]float32{1, 0, 0}, 100, Policy{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("expected 2 hits (all records), got %d", len(hits))
	}
}

func TestInsertRejectsZeroVectorUnderCosine(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	err := m.Insert("a", []float32{0, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	if err != ErrInvalidVector {
		t.Errorf("expected ErrInvalidVector, got %v", err)
	}
}

func TestInsertRejectsWrongDimensions(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	err := m.Insert("a", []float32{1, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	if err != ErrInvalidDimensions {
		t.Errorf("expected ErrInvalidDimensions, got %v", err)
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	err := m.Insert("a", []float32{0, 1, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	if err != ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestRelationshipsWiredOnInsert(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now}, now)
	m.Insert("b", []float32{0, 1, 0}, record.Attrs{
		CreatedAt: now, LastAccessed: now,
		Relationships: map[string]struct{}{"a": {}},
	}, now)

	related, err := m.GetRelated("b", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 || related[0].Record.ID != "a" {
		t.Errorf("expected [a] related to b, got %+v", related)
	}
	if related[0].Kind != "related" || related[0].Weight != 1 {
		t.Errorf("expected default kind/weight related/1, got %+v", related[0])
	}
}

func TestSearchByContextLinearScan(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now, Context: "room"}, now)
	m.Insert("b", []float32{0, 1, 0}, record.Attrs{CreatedAt: now, LastAccessed: now, Context: "other"}, now)

	hits, err := m.SearchByContext("room", []float32{1, 0, 0}, 5, Policy{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Record.ID != "a" {
		t.Errorf("expected only 'a' from context 'room', got %+v", hits)
	}
}

func TestConsolidateMergesCloseRecords(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now, Importance: 0.5, Context: "c"}, now)
	m.Insert("b", []float32{0.9999, 0.001, 0}, record.Attrs{CreatedAt: now, LastAccessed: now, Importance: 0.3, Context: "c"}, now)

	merged, err := m.Consolidate("c", now, nil)
	if err != nil {
		t.Fatal(err)
	}
	if merged != 1 {
		t.Errorf("expected 1 cluster merged, got %d", merged)
	}
	if m.records.Len() != 1 {
		t.Errorf("expected 1 surviving record after merge, got %d", m.records.Len())
	}
}

func TestConsolidateMergeFnOverridesNumericMerge(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.Insert("a", []float32{1, 0, 0}, record.Attrs{CreatedAt: now, LastAccessed: now, Importance: 0.5, Context: "c"}, now)
	m.Insert("b", []float32{0.9999, 0.001, 0}, record.Attrs{CreatedAt: now, LastAccessed: now, Importance: 0.3, Context: "c"}, now)

	fn := MergeFn(func(cluster []record.Record, vec []float32, attrs record.Attrs) ([]float32, record.Attrs, error) {
		attrs.Metadata = map[string]string{"merged_from": strconv.Itoa(len(cluster))}
		return vec, attrs, nil
	})

	merged, err := m.Consolidate("c", now, fn)
	if err != nil {
		t.Fatal(err)
	}
	if merged != 1 {
		t.Fatalf("expected 1 cluster merged, got %d", merged)
	}
	var found bool
	m.records.Range(func(r record.Record) bool {
		if r.Attrs.Metadata["merged_from"] == "2" {
			found = true
		}
		return true
	})
	if !found {
		t.Errorf("expected MergeFn's metadata to survive onto the merged record")
	}
}
