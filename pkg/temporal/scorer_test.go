package temporal

import (
	"math"
	"testing"
	"time"
)

func TestScoreSelfRetrieval(t *testing.T) {
	now := time.Now()
	c := Candidate{ID: "a", Distance: 0, LastAccessed: now, Importance: 0.5, DecayRate: 0}
	s := Score(c, 0.3, now)
	want := float32(-0.15)
	if math.Abs(float64(s.Score-want)) > 1e-4 {
		t.Errorf("expected score ~%v, got %v", want, s.Score)
	}
}

func TestRankTemporalOverride(t *testing.T) {
	now := time.Now()
	oldDecay := float32(math.Ln2 / 86400)
	cands := []Candidate{
		{
			ID:           "old",
			Distance:     0,
			LastAccessed: now.Add(-time.Duration(1e6) * time.Second),
			Importance:   1.0,
			DecayRate:    oldDecay,
		},
		{
			ID:           "new",
			Distance:     0.0099, // cosine distance of normalized [0.99,0.14,0] vs [1,0,0]
			LastAccessed: now,
			Importance:   0.2,
			DecayRate:    oldDecay,
		},
	}

	withRecencyDominant, err := Rank(cands, 0.5, now, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if withRecencyDominant[0].ID != "new" {
		t.Errorf("expected 'new' to win with w=0.5, got %v", withRecencyDominant[0].ID)
	}

	rawOnly, err := Rank(cands, 0, now, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if rawOnly[0].ID != "old" {
		t.Errorf("expected 'old' to win with w=0 (raw distance), got %v", rawOnly[0].ID)
	}
}

func TestRankPastDeadlineReturnsErrDeadlineExceeded(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{ID: "a", Distance: 0, LastAccessed: now, Importance: 0.5},
		{ID: "b", Distance: 0.1, LastAccessed: now, Importance: 0.5},
	}
	_, err := Rank(cands, 0.3, now, now.Add(-time.Second))
	if err != ErrDeadlineExceeded {
		t.Errorf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestEffectiveImportanceMonotoneDecay(t *testing.T) {
	now := time.Now()
	c := Candidate{ID: "x", Importance: 1.0, DecayRate: 0.1, LastAccessed: now}
	e1 := EffectiveImportance(c, now)
	e2 := EffectiveImportance(c, now.Add(10*time.Second))
	if e2 >= e1 {
		t.Errorf("expected decay to reduce effective importance over time: %v -> %v", e1, e2)
	}
}

func TestRankTieBreakByDistanceThenID(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{ID: "b", Distance: 0.5, LastAccessed: now, Importance: 0, DecayRate: 0},
		{ID: "a", Distance: 0.5, LastAccessed: now, Importance: 0, DecayRate: 0},
	}
	ranked, err := Rank(cands, 0.3, now, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if ranked[0].ID != "a" {
		t.Errorf("expected lexicographic tie-break to pick 'a' first, got %v", ranked[0].ID)
	}
}

func TestZeroDecayRateNeverDecays(t *testing.T) {
	now := time.Now()
	c := Candidate{Importance: 0.7, DecayRate: 0, LastAccessed: now.Add(-1000 * time.Hour)}
	if EffectiveImportance(c, now) != c.Importance {
		t.Errorf("expected no decay with decay_rate=0")
	}
}
