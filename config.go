package tempovec

import (
	"github.com/liliang-cn/tempovec/pkg/manager"
	"github.com/liliang-cn/tempovec/pkg/metric"
	"github.com/liliang-cn/tempovec/pkg/record"
)

// Metric selects the distance kernel (spec.md §4.1); re-exported from
// pkg/metric so callers never need to import it directly.
type Metric = metric.Metric

const (
	Cosine    = metric.Cosine
	Euclidean = metric.Euclidean
	Dot       = metric.Dot
)

// ParseMetric parses "cosine", "euclidean", or "dot".
func ParseMetric(s string) (Metric, error) { return metric.ParseMetric(s) }

// Layer classifies a memory's role (SPEC_FULL.md §5); re-exported from
// pkg/record.
type Layer = record.Layer

const (
	LayerWorldFact   = record.LayerWorldFact
	LayerObservation = record.LayerObservation
	LayerMentalModel = record.LayerMentalModel
	LayerExperience  = record.LayerExperience
)

// Attrs is MemoryAttributes (spec.md §3); re-exported from pkg/record.
type Attrs = record.Attrs

// Config holds every option accepted by Open (spec.md §6).
type Config struct {
	// Dimensions is the fixed vector width D; immutable after Open.
	Dimensions int
	// Metric selects cosine (default), euclidean, or dot.
	Metric Metric
	// M is the HNSW neighbor count per layer (default 16).
	M int
	// EfConstruction is the insert search width (default 100).
	EfConstruction int
	// EfSearch is the default search width (default 50).
	EfSearch int
	// TemporalWeight is the default w of spec.md §4.2 (default 0.3). Its
	// calibration assumes cosine distance in [0,2] against effective
	// importance in [0,1]; Euclidean distance is unbounded, so the same w
	// gives the temporal term less relative weight there. A zero value is
	// kept as w=0 (raw-distance ranking), not replaced by the default.
	TemporalWeight float32
	// BaseDecayRate is applied when a record omits its own decay rate
	// (default ln(2)/7d, a one-week half-life).
	BaseDecayRate float32
	// EvictionFloor is the importance below which a record becomes
	// evictable (default 1e-3).
	EvictionFloor float32
	// MaxRecords is a soft cap; cleanup evicts the lowest-score records
	// until under cap. 0 means unbounded.
	MaxRecords int
	// ContextScanThreshold is the context size at or below which
	// search_by_context uses a linear scan rather than a
	// context-restricted HNSW variant (default 1024, spec.md §9).
	ContextScanThreshold int
	// MergeThreshold is τ_merge, the consolidate() pairwise-distance
	// cutoff (default 0.02).
	MergeThreshold float32
	// Logger receives structured log events; defaults to a no-op logger.
	Logger Logger
}

// DefaultConfig returns spec.md §6's defaults for every option besides
// Dimensions/Metric.
func DefaultConfig(dimensions int, m Metric) Config {
	mc := manager.DefaultConfig(dimensions, m)
	return Config{
		Dimensions:           mc.Dimensions,
		Metric:               mc.Metric,
		M:                    mc.M,
		EfConstruction:       mc.EfConstruction,
		EfSearch:             mc.EfSearch,
		TemporalWeight:       mc.TemporalWeight,
		BaseDecayRate:        mc.BaseDecayRate,
		EvictionFloor:        mc.EvictionFloor,
		MaxRecords:           mc.MaxRecords,
		ContextScanThreshold: mc.ContextScanThreshold,
		MergeThreshold:       mc.MergeThreshold,
	}
}

func (c Config) validate() error {
	if c.Dimensions <= 0 {
		return &StoreError{Op: "Open", Err: ErrInvalidConfig}
	}
	if c.Metric < Cosine || c.Metric > Dot {
		return &StoreError{Op: "Open", Err: ErrInvalidConfig}
	}
	if c.M < 0 || c.EfConstruction < 0 || c.EfSearch < 0 {
		return &StoreError{Op: "Open", Err: ErrInvalidConfig}
	}
	if c.TemporalWeight < 0 || c.TemporalWeight > 1 {
		return &StoreError{Op: "Open", Err: ErrInvalidConfig}
	}
	return nil
}

func (c Config) toManagerConfig() manager.Config {
	def := manager.DefaultConfig(c.Dimensions, c.Metric)
	mc := manager.Config{
		Dimensions:           c.Dimensions,
		Metric:               c.Metric,
		M:                    orDefault(c.M, def.M),
		EfConstruction:       orDefault(c.EfConstruction, def.EfConstruction),
		EfSearch:             orDefault(c.EfSearch, def.EfSearch),
		TemporalWeight:       c.TemporalWeight,
		BaseDecayRate:        c.BaseDecayRate,
		EvictionFloor:        c.EvictionFloor,
		MaxRecords:           c.MaxRecords,
		ContextScanThreshold: orDefault(c.ContextScanThreshold, def.ContextScanThreshold),
		MergeThreshold:       c.MergeThreshold,
		Logger:               c.Logger,
	}
	if mc.BaseDecayRate == 0 {
		mc.BaseDecayRate = def.BaseDecayRate
	}
	if mc.EvictionFloor == 0 {
		mc.EvictionFloor = def.EvictionFloor
	}
	if mc.MergeThreshold == 0 {
		mc.MergeThreshold = def.MergeThreshold
	}
	return mc
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
