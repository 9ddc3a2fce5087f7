package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceUserInput          Source = "user_input"
	SourceAgentGenerated     Source = "agent_generated"
	SourceDocumentExtraction Source = "document_extraction"
	SourceSystemInsight      Source = "system_insight"
)

func ValidSource(s string) bool {
	switch Source(s) {
	case SourceUserInput, SourceAgentGenerated, SourceDocumentExtraction, SourceSystemInsight:
		return true
	}
	return false
}

// Rank orders sources by how much a memory from that source is trusted.
// Used when a merged memory has to inherit a single source.
func (s Source) Rank() int {
	switch s {
	case SourceUserInput:
		return 4
	case SourceSystemInsight:
		return 3
	case SourceDocumentExtraction:
		return 2
	case SourceAgentGenerated:
		return 1
	default:
		return 0
	}
}

type VerificationStatus string

const (
	VerificationUnverified   VerificationStatus = "unverified"
	VerificationConfirmed    VerificationStatus = "confirmed"
	VerificationContradicted VerificationStatus = "contradicted"
)

func ValidVerification(v string) bool {
	switch VerificationStatus(v) {
	case VerificationUnverified, VerificationConfirmed, VerificationContradicted:
		return true
	}
	return false
}

type AssociationType string

const (
	AssociationTemporal      AssociationType = "temporal"
	AssociationSemantic      AssociationType = "semantic"
	AssociationCausal        AssociationType = "causal"
	AssociationContradictory AssociationType = "contradictory"
	AssociationSupporting    AssociationType = "supporting"
	AssociationTopical       AssociationType = "topical"
	AssociationMergedFrom    AssociationType = "merged_from"
)

func ValidAssociationType(t string) bool {
	switch AssociationType(t) {
	case AssociationTemporal, AssociationSemantic, AssociationCausal, AssociationContradictory,
		AssociationSupporting, AssociationTopical, AssociationMergedFrom:
		return true
	}
	return false
}

// Association is a directed, non-owning edge to another memory. The target
// may have been removed; readers filter such edges out.
type Association struct {
	TargetID uuid.UUID       `json:"target_id"`
	Type     AssociationType `json:"type"`
}

type Entity struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type Sentiment struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

type Memory struct {
	ID              uuid.UUID          `json:"id"`
	Content         string             `json:"content"`
	Layer           Layer              `json:"layer"`
	Source          Source             `json:"source"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	LastAccessedAt  time.Time          `json:"last_accessed_at"`
	ImportanceScore float64            `json:"importance_score"`
	AccessCount     int                `json:"access_count"`
	EmbeddingRef    string             `json:"embedding_ref,omitempty"`
	Entities        []Entity           `json:"entities,omitempty"`
	Topics          []string           `json:"topics,omitempty"`
	Sentiment       *Sentiment         `json:"sentiment,omitempty"`
	Verification    VerificationStatus `json:"verification_status"`
	Associations    []Association      `json:"associations,omitempty"`
	MergedInto      *uuid.UUID         `json:"merged_into,omitempty"`
	Revision        int                `json:"revision"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
}

// Primary reports whether the memory still stands on its own. Originals
// folded into a merged summary are kept for lookup but are not primary.
func (m *Memory) Primary() bool {
	return m.MergedInto == nil
}

// HasAssociation reports whether the directed edge already exists.
func (m *Memory) HasAssociation(target uuid.UUID, t AssociationType) bool {
	for _, a := range m.Associations {
		if a.TargetID == target && a.Type == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never alias stored records.
func (m *Memory) Clone() Memory {
	out := *m
	if m.Entities != nil {
		out.Entities = append([]Entity(nil), m.Entities...)
	}
	if m.Topics != nil {
		out.Topics = append([]string(nil), m.Topics...)
	}
	if m.Associations != nil {
		out.Associations = append([]Association(nil), m.Associations...)
	}
	if m.Sentiment != nil {
		s := *m.Sentiment
		out.Sentiment = &s
	}
	if m.MergedInto != nil {
		id := *m.MergedInto
		out.MergedInto = &id
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// LessID orders ids by their canonical byte form, which matches the order
// of their string form. Used as the final tie-break wherever ordering must
// be deterministic.
func LessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
