package domain

import (
	"context"

	"github.com/google/uuid"
)

// PersistentStore is the durable backing for memory records. SaveAll is an
// upsert of the given records, not a replacement of the whole collection.
type PersistentStore interface {
	LoadAll(ctx context.Context) ([]Memory, error)
	SaveAll(ctx context.Context, memories []Memory) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// EmbeddingClient turns text into a vector. Implementations call out to a
// model server and may block or fail at any time.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Neighbor struct {
	Handle     string  `json:"handle"`
	Similarity float64 `json:"similarity"`
}

// VectorIndex owns stored vectors, keyed by the handle a memory carries.
type VectorIndex interface {
	Put(ctx context.Context, handle string, vec []float32) error
	Get(ctx context.Context, handle string) ([]float32, error)
	Delete(ctx context.Context, handle string) error
	Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
}

// EmbeddingProvider is everything the engines need from the embedding side.
// Any call may fail; callers fall back to a neutral value instead of
// failing the operation.
type EmbeddingProvider interface {
	Available(ctx context.Context) bool
	Embed(ctx context.Context, text string) ([]float32, error)
	// Index embeds text and stores the vector under handle.
	Index(ctx context.Context, handle, text string) error
	// Vector returns the stored vector for handle, embedding text when the
	// handle is unknown.
	Vector(ctx context.Context, handle, text string) ([]float32, error)
	Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
	Remove(ctx context.Context, handle string) error
	Similarity(a, b []float32) float64
}
