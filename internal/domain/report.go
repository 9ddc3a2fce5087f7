package domain

import (
	"time"

	"github.com/google/uuid"
)

type TriggerReason string

const (
	TriggerThresholdReached TriggerReason = "threshold_reached"
	TriggerScheduled        TriggerReason = "scheduled"
	TriggerManual           TriggerReason = "manual"
)

func ValidTriggerReason(r string) bool {
	switch TriggerReason(r) {
	case TriggerThresholdReached, TriggerScheduled, TriggerManual:
		return true
	}
	return false
}

type ConsolidationStrategy string

const (
	StrategyPromoteByImportance ConsolidationStrategy = "promote_by_importance"
	StrategyMergeSimilar        ConsolidationStrategy = "merge_similar"
	StrategyDemoteStale         ConsolidationStrategy = "demote_stale"
)

func ValidConsolidationStrategy(s string) bool {
	switch ConsolidationStrategy(s) {
	case StrategyPromoteByImportance, StrategyMergeSimilar, StrategyDemoteStale:
		return true
	}
	return false
}

// DefaultConsolidationStrategies is the order a pass applies strategies in
// when the caller does not choose. Merging first means promotion sees the
// combined access history of merged groups.
func DefaultConsolidationStrategies() []ConsolidationStrategy {
	return []ConsolidationStrategy{StrategyMergeSimilar, StrategyPromoteByImportance, StrategyDemoteStale}
}

type PruneStrategy string

const (
	PruneCapacityBound     PruneStrategy = "capacity_bound"
	PruneRetentionWindow   PruneStrategy = "retention_window"
	PruneLeastRecentlyUsed PruneStrategy = "least_recently_used"
	PruneLowFrequency      PruneStrategy = "low_frequency"
	PruneManual            PruneStrategy = "manual"
)

func ValidPruneStrategy(s string) bool {
	switch PruneStrategy(s) {
	case PruneCapacityBound, PruneRetentionWindow, PruneLeastRecentlyUsed, PruneLowFrequency, PruneManual:
		return true
	}
	return false
}

type SkippedStrategy struct {
	Strategy ConsolidationStrategy `json:"strategy"`
	Reason   string                `json:"reason"`
}

// ConsolidationReport summarizes one completed (or cancelled) pass.
type ConsolidationReport struct {
	ID              string                  `json:"id"`
	Trigger         TriggerReason           `json:"trigger"`
	Strategies      []ConsolidationStrategy `json:"strategies"`
	Promoted        []uuid.UUID             `json:"promoted"`
	Demoted         []uuid.UUID             `json:"demoted"`
	Merged          []uuid.UUID             `json:"merged"`
	MergedOriginals []uuid.UUID             `json:"merged_originals"`
	PruneEligible   []uuid.UUID             `json:"prune_eligible"`
	Transitions     []LayerTransition       `json:"transitions,omitempty"`
	Skipped         []SkippedStrategy       `json:"skipped,omitempty"`
	Degraded        bool                    `json:"degraded"`
	Cancelled       bool                    `json:"cancelled"`
	StartedAt       time.Time               `json:"started_at"`
	Duration        time.Duration           `json:"duration"`
}

// Changes counts the memories the pass moved or created. Prune eligibility
// is advisory and does not count.
func (r *ConsolidationReport) Changes() int {
	return len(r.Promoted) + len(r.Demoted) + len(r.Merged) + len(r.MergedOriginals)
}

// PruningReport summarizes one eviction pass.
type PruningReport struct {
	ID               string        `json:"id"`
	Strategy         PruneStrategy `json:"strategy"`
	Evicted          []uuid.UUID   `json:"evicted"`
	EvictedByLayer   map[Layer]int `json:"evicted_by_layer"`
	Missing          []uuid.UUID   `json:"missing,omitempty"`
	Released         []uuid.UUID   `json:"released,omitempty"`
	ExternalFailures int           `json:"external_failures"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// ReflectionReport summarizes one reflection pass. Themes and
// Contradictions hold the ids of insight memories created or refreshed;
// Contradicted holds the memories newly marked as contradicted.
type ReflectionReport struct {
	ID             string        `json:"id"`
	Themes         []uuid.UUID   `json:"themes"`
	Contradictions []uuid.UUID   `json:"contradictions"`
	Contradicted   []uuid.UUID   `json:"contradicted"`
	Degraded       bool          `json:"degraded"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

func (r *ReflectionReport) Changes() int {
	return len(r.Themes) + len(r.Contradictions) + len(r.Contradicted)
}

type Stats struct {
	Layers              map[Layer]int `json:"layers"`
	Total               int           `json:"total"`
	Primary             int           `json:"primary"`
	AverageImportance   float64       `json:"average_importance"`
	LastConsolidation   *time.Time    `json:"last_consolidation,omitempty"`
	LastPruning         *time.Time    `json:"last_pruning,omitempty"`
	LastReflection      *time.Time    `json:"last_reflection,omitempty"`
	EmbeddingsAvailable bool          `json:"embeddings_available"`
}
