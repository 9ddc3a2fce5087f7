package store

import (
	"github.com/Harshitk-cp/memtier/internal/domain"
)

// details carries the nested parts of a memory that the SQL stores keep in a
// single JSON column.
type details struct {
	Entities     []domain.Entity      `json:"entities,omitempty"`
	Topics       []string             `json:"topics,omitempty"`
	Sentiment    *domain.Sentiment    `json:"sentiment,omitempty"`
	Associations []domain.Association `json:"associations,omitempty"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
}

func detailsOf(m *domain.Memory) details {
	return details{
		Entities:     m.Entities,
		Topics:       m.Topics,
		Sentiment:    m.Sentiment,
		Associations: m.Associations,
		Metadata:     m.Metadata,
	}
}

func (d details) apply(m *domain.Memory) {
	m.Entities = d.Entities
	m.Topics = d.Topics
	m.Sentiment = d.Sentiment
	m.Associations = d.Associations
	m.Metadata = d.Metadata
}
