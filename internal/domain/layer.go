package domain

import (
	"time"

	"github.com/google/uuid"
)

type Layer string

const (
	LayerWorking    Layer = "working"
	LayerShortTerm  Layer = "short_term"
	LayerEpisodic   Layer = "episodic"
	LayerLongTerm   Layer = "long_term"
	LayerSemantic   Layer = "semantic"
	LayerReflective Layer = "reflective"
)

// AllLayers returns every layer in durability order, least durable first.
func AllLayers() []Layer {
	return []Layer{LayerWorking, LayerShortTerm, LayerEpisodic, LayerLongTerm, LayerSemantic, LayerReflective}
}

func ValidLayer(l string) bool {
	switch Layer(l) {
	case LayerWorking, LayerShortTerm, LayerEpisodic, LayerLongTerm, LayerSemantic, LayerReflective:
		return true
	}
	return false
}

// Next returns the more durable layer a promotion moves into.
func (l Layer) Next() (Layer, bool) {
	switch l {
	case LayerWorking:
		return LayerShortTerm, true
	case LayerShortTerm:
		return LayerEpisodic, true
	case LayerEpisodic:
		return LayerLongTerm, true
	case LayerLongTerm:
		return LayerSemantic, true
	}
	return "", false
}

// Prev returns the less durable layer a demotion moves into. Working has
// nowhere to go; stale working memories become pruning candidates instead.
func (l Layer) Prev() (Layer, bool) {
	switch l {
	case LayerShortTerm:
		return LayerWorking, true
	case LayerEpisodic:
		return LayerShortTerm, true
	case LayerLongTerm:
		return LayerEpisodic, true
	case LayerSemantic:
		return LayerLongTerm, true
	case LayerReflective:
		return LayerSemantic, true
	}
	return "", false
}

// CanTransition reports whether to is reachable from from by walking the
// promotion chain or the demotion chain in a single direction.
func CanTransition(from, to Layer) bool {
	if !ValidLayer(string(from)) || !ValidLayer(string(to)) {
		return false
	}
	if from == to {
		return true
	}
	for l, ok := from.Next(); ok; l, ok = l.Next() {
		if l == to {
			return true
		}
	}
	for l, ok := from.Prev(); ok; l, ok = l.Prev() {
		if l == to {
			return true
		}
	}
	return false
}

// InitialLayer picks the layer a new memory starts in.
func InitialLayer(source Source, metadata map[string]string) Layer {
	if metadata["kind"] == "reflection" {
		return LayerReflective
	}
	if source == SourceSystemInsight {
		return LayerSemantic
	}
	return LayerWorking
}

// LayerTransition records a memory moving between layers during a pass.
type LayerTransition struct {
	MemoryID   uuid.UUID `json:"memory_id"`
	From       Layer     `json:"from"`
	To         Layer     `json:"to"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
