package service

import (
	"math"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
)

const (
	// NeutralSignal stands in for a signal that could not be computed, so a
	// missing embedding provider neither rewards nor punishes a memory.
	NeutralSignal = 0.5

	ExplicitCueBonus       = 0.1
	ConfirmedBonus         = 0.1
	ContradictedMultiplier = 0.5
)

// ScoreContext carries everything a score depends on besides the memory
// itself. Callers compute uniqueness (or fall back to NeutralSignal) before
// scoring; the scorer never calls out.
type ScoreContext struct {
	Now        time.Time
	Uniqueness float64
}

// NeutralContext is a context for callers that have no similarity data.
func NeutralContext(now time.Time) ScoreContext {
	return ScoreContext{Now: now, Uniqueness: NeutralSignal}
}

type ScoreBreakdown struct {
	Recency    float64 `json:"recency"`
	Frequency  float64 `json:"frequency"`
	Source     float64 `json:"source"`
	Uniqueness float64 `json:"uniqueness"`
	FinalScore float64 `json:"final_score"`
}

// ImportanceScorer is a pure function of a memory and a ScoreContext.
type ImportanceScorer struct {
	policy domain.Policy
}

func NewImportanceScorer(policy domain.Policy) *ImportanceScorer {
	return &ImportanceScorer{policy: policy}
}

func (s *ImportanceScorer) Score(m *domain.Memory, sc ScoreContext) ScoreBreakdown {
	b := ScoreBreakdown{
		Recency:    s.Recency(m, sc.Now),
		Frequency:  Frequency(m.AccessCount),
		Source:     s.SourceSignal(m),
		Uniqueness: clamp01(sc.Uniqueness),
	}

	w := s.policy.Weights
	total := w.Sum()
	if total <= 0 {
		return b
	}
	b.FinalScore = clamp01((w.Recency*b.Recency + w.Frequency*b.Frequency +
		w.Source*b.Source + w.Uniqueness*b.Uniqueness) / total)
	return b
}

// Recency halves every layer half-life since the last access. Layers with
// no half-life do not decay.
func (s *ImportanceScorer) Recency(m *domain.Memory, now time.Time) float64 {
	halfLife := s.policy.Layer(m.Layer).HalfLife
	if halfLife <= 0 {
		return 1
	}
	age := now.Sub(m.LastAccessedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

// Frequency saturates: each additional access is worth less than the last.
func Frequency(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return 1 - 1/(1+float64(accessCount))
}

// SourceSignal is the source's base boost adjusted for verification and for
// explicit "remember this" style cues in the content.
func (s *ImportanceScorer) SourceSignal(m *domain.Memory) float64 {
	v := s.policy.SourceBoost[m.Source]
	if hasExplicitCue(m.Content) {
		v += ExplicitCueBonus
	}
	switch m.Verification {
	case domain.VerificationConfirmed:
		v += ConfirmedBonus
	case domain.VerificationContradicted:
		v *= ContradictedMultiplier
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
