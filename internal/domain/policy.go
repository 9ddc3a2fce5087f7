package domain

import (
	"fmt"
	"time"
)

// LayerPolicy holds the retention and movement rules for one layer.
// A zero HalfLife means the layer does not decay; a zero Retention means
// memories in the layer never age out.
type LayerPolicy struct {
	HalfLife               time.Duration `yaml:"half_life" json:"half_life"`
	Capacity               int           `yaml:"capacity" json:"capacity"`
	TargetFill             float64       `yaml:"target_fill" json:"target_fill"`
	Retention              time.Duration `yaml:"retention" json:"retention"`
	PromoteThreshold       float64       `yaml:"promote_threshold" json:"promote_threshold"`
	DemoteFloor            float64       `yaml:"demote_floor" json:"demote_floor"`
	ConsolidationThreshold int           `yaml:"consolidation_threshold" json:"consolidation_threshold"`
}

// TargetCount is the record count capacity pruning evicts down to.
func (p LayerPolicy) TargetCount() int {
	return int(float64(p.Capacity) * p.TargetFill)
}

type ImportanceWeights struct {
	Recency    float64 `yaml:"recency" json:"recency"`
	Frequency  float64 `yaml:"frequency" json:"frequency"`
	Source     float64 `yaml:"source" json:"source"`
	Uniqueness float64 `yaml:"uniqueness" json:"uniqueness"`
}

func (w ImportanceWeights) Sum() float64 {
	return w.Recency + w.Frequency + w.Source + w.Uniqueness
}

type RetrievalPolicy struct {
	Alpha            float64       `yaml:"alpha" json:"alpha"`
	Beta             float64       `yaml:"beta" json:"beta"`
	CandidateCap     int           `yaml:"candidate_cap" json:"candidate_cap"`
	EmbedTimeout     time.Duration `yaml:"embed_timeout" json:"embed_timeout"`
	EmbedConcurrency int           `yaml:"embed_concurrency" json:"embed_concurrency"`
}

// Policy is the full set of tunables. The defaults have not been tuned
// against real workloads yet.
type Policy struct {
	Layers           map[Layer]LayerPolicy `yaml:"layers" json:"layers"`
	Weights          ImportanceWeights     `yaml:"weights" json:"weights"`
	SourceBoost      map[Source]float64    `yaml:"source_boost" json:"source_boost"`
	Retrieval        RetrievalPolicy       `yaml:"retrieval" json:"retrieval"`
	MergeThreshold   float64               `yaml:"merge_threshold" json:"merge_threshold"`
	MaxContentLength int                   `yaml:"max_content_length" json:"max_content_length"`
	BatchSize        int                   `yaml:"batch_size" json:"batch_size"`
}

const day = 24 * time.Hour

func DefaultPolicy() Policy {
	return Policy{
		Layers: map[Layer]LayerPolicy{
			LayerWorking: {
				HalfLife: time.Hour, Capacity: 20, TargetFill: 0.9, Retention: day,
				PromoteThreshold: 0.80, DemoteFloor: 0.15, ConsolidationThreshold: 20,
			},
			LayerShortTerm: {
				HalfLife: day, Capacity: 100, TargetFill: 0.9, Retention: 7 * day,
				PromoteThreshold: 0.80, DemoteFloor: 0.20, ConsolidationThreshold: 100,
			},
			LayerEpisodic: {
				HalfLife: 7 * day, Capacity: 5000, TargetFill: 0.9, Retention: 90 * day,
				PromoteThreshold: 0.85, DemoteFloor: 0.20, ConsolidationThreshold: 4000,
			},
			LayerLongTerm: {
				HalfLife: 30 * day, Capacity: 1000, TargetFill: 0.9,
				PromoteThreshold: 0.90, DemoteFloor: 0.15, ConsolidationThreshold: 900,
			},
			LayerSemantic: {
				Capacity: 10000, TargetFill: 0.9,
				DemoteFloor: 0.10, ConsolidationThreshold: 9000,
			},
			LayerReflective: {
				Capacity: 500, TargetFill: 0.9,
				DemoteFloor: 0.05, ConsolidationThreshold: 450,
			},
		},
		Weights: ImportanceWeights{Recency: 0.25, Frequency: 0.25, Source: 0.25, Uniqueness: 0.25},
		SourceBoost: map[Source]float64{
			SourceUserInput:          1.0,
			SourceSystemInsight:      0.8,
			SourceDocumentExtraction: 0.6,
			SourceAgentGenerated:     0.4,
		},
		Retrieval: RetrievalPolicy{
			Alpha:            0.5,
			Beta:             0.2,
			CandidateCap:     500,
			EmbedTimeout:     2 * time.Second,
			EmbedConcurrency: 8,
		},
		MergeThreshold:   0.92,
		MaxContentLength: 32 * 1024,
		BatchSize:        64,
	}
}

// Layer returns the policy for l, falling back to the default table for
// layers a partial config file left out.
func (p Policy) Layer(l Layer) LayerPolicy {
	if lp, ok := p.Layers[l]; ok {
		return lp
	}
	return DefaultPolicy().Layers[l]
}

// Validate checks the policy for values the engines cannot work with.
func (p Policy) Validate() error {
	w := p.Weights
	if w.Recency < 0 || w.Frequency < 0 || w.Source < 0 || w.Uniqueness < 0 {
		return fmt.Errorf("%w: importance weights must be non-negative", ErrInvalidInput)
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("%w: importance weights must not all be zero", ErrInvalidInput)
	}
	if p.Retrieval.Alpha < 0 || p.Retrieval.Alpha > 1 {
		return fmt.Errorf("%w: retrieval alpha must be in [0,1], got %v", ErrInvalidInput, p.Retrieval.Alpha)
	}
	if p.Retrieval.Beta < 0 {
		return fmt.Errorf("%w: retrieval beta must be non-negative, got %v", ErrInvalidInput, p.Retrieval.Beta)
	}
	if p.MergeThreshold <= 0 || p.MergeThreshold > 1 {
		return fmt.Errorf("%w: merge threshold must be in (0,1], got %v", ErrInvalidInput, p.MergeThreshold)
	}
	for _, l := range AllLayers() {
		lp := p.Layer(l)
		if lp.Capacity <= 0 {
			return fmt.Errorf("%w: layer %s capacity must be positive", ErrInvalidInput, l)
		}
		if lp.TargetFill <= 0 || lp.TargetFill > 1 {
			return fmt.Errorf("%w: layer %s target fill must be in (0,1]", ErrInvalidInput, l)
		}
		if lp.HalfLife < 0 || lp.Retention < 0 {
			return fmt.Errorf("%w: layer %s durations must be non-negative", ErrInvalidInput, l)
		}
		// A memory promoted out of l must not already sit below the floor
		// of the layer it lands in, or passes would oscillate.
		next, ok := l.Next()
		if !ok {
			continue
		}
		if p.Layer(next).DemoteFloor > lp.PromoteThreshold {
			return fmt.Errorf("%w: layer %s demote floor exceeds %s promote threshold", ErrInvalidInput, next, l)
		}
		// Recency must not drop on promotion for the same reason. Zero means
		// no decay.
		if nh := p.Layer(next).HalfLife; nh > 0 && (lp.HalfLife <= 0 || nh < lp.HalfLife) {
			return fmt.Errorf("%w: layer %s decays faster than %s", ErrInvalidInput, next, l)
		}
	}
	return nil
}
