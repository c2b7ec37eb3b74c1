// Package temporal implements the ranking fusion that blends a raw
// geometric distance with recency-decayed importance into a single score
// where smaller is better.
package temporal

import (
	"errors"
	"math"
	"sort"
	"time"
)

// ErrDeadlineExceeded is returned by Rank when deadline has passed before
// scoring finished.
var ErrDeadlineExceeded = errors.New("temporal: deadline exceeded")

// Candidate is the minimal view of a record the scorer needs: its raw
// geometric distance to the query plus the temporal attributes that drive
// decay.
type Candidate struct {
	ID           string
	Distance     float32
	LastAccessed time.Time
	Importance   float32
	DecayRate    float32
}

// Scored is a candidate after fusion, carrying both the ranking key and
// the original raw distance (needed for tie-breaking and for callers that
// want to report "raw" vs "fused" scores separately).
type Scored struct {
	ID       string
	Score    float32
	Distance float32
}

// Weight is the temporal_weight configuration, w in spec.md §4.2's
//
//	score = (1-w)*d - w*effective_importance
//
// w=0 degenerates to a pure raw-distance sort; w=1 ranks purely by
// recency-weighted importance, ignoring geometry entirely.
type Weight float32

// DefaultWeight is the default temporal_weight (spec.md §6).
const DefaultWeight Weight = 0.3

// EffectiveImportance returns c.Importance decayed by c.DecayRate over the
// elapsed time since c.LastAccessed, as of now. recency is in (0,1].
func EffectiveImportance(c Candidate, now time.Time) float32 {
	age := now.Sub(c.LastAccessed).Seconds()
	if age < 0 {
		age = 0
	}
	recency := float32(math.Exp(-float64(c.DecayRate) * age))
	return c.Importance * recency
}

// Score computes the fused ranking key for a single candidate (spec.md
// §4.2, subtractive form — the Open Question spec.md fixes explicitly;
// the additive variant some earlier implementations used is not offered).
func Score(c Candidate, w Weight, now time.Time) Scored {
	ei := EffectiveImportance(c, now)
	score := float32(1-w)*c.Distance - float32(w)*ei
	return Scored{ID: c.ID, Score: score, Distance: c.Distance}
}

// Rank scores every candidate and returns them sorted ascending by Score,
// breaking ties by smaller raw distance and then lexicographic id
// (spec.md §4.2). A non-zero deadline is checked between candidates; once
// it has passed, Rank aborts with ErrDeadlineExceeded instead of scoring
// the remainder (spec.md §4: "aborts at the next safe point... between
// candidates in the scorer").
func Rank(candidates []Candidate, w Weight, now time.Time, deadline time.Time) ([]Scored, error) {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, ErrDeadlineExceeded
		}
		out[i] = Score(c, w, now)
	}
	sortScored(out)
	return out, nil
}

// sortScored sorts in place by (Score asc, Distance asc, ID asc).
func sortScored(s []Scored) {
	sort.Slice(s, func(i, j int) bool { return less(s[i], s[j]) })
}

func less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}
