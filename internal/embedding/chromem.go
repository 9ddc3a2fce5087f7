package embedding

import (
	"context"
	"fmt"

	"github.com/Harshitk-cp/memtier/internal/domain"
	chromem "github.com/philippgille/chromem-go"
)

const chromemCollection = "memories"

// ChromemIndex is an in-process vector index backed by chromem-go. It is
// the default index when no database is configured.
type ChromemIndex struct {
	col *chromem.Collection
}

func NewChromemIndex() (*ChromemIndex, error) {
	db := chromem.NewDB()
	// Vectors are always supplied, so no embedding func; default cosine.
	col, err := db.CreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{col: col}, nil
}

func (x *ChromemIndex) Put(ctx context.Context, handle string, vec []float32) error {
	// chromem normalizes in place; keep the caller's slice intact.
	doc := chromem.Document{
		ID:        handle,
		Content:   handle,
		Embedding: cloneVector(vec),
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Get(ctx context.Context, handle string) ([]float32, error) {
	doc, err := x.col.GetByID(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("vector %s: %w", handle, domain.ErrNotFound)
	}
	return cloneVector(doc.Embedding), nil
}

func (x *ChromemIndex) Delete(ctx context.Context, handle string) error {
	if err := x.col.Delete(ctx, nil, nil, handle); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Nearest(ctx context.Context, vec []float32, k int) ([]domain.Neighbor, error) {
	// chromem-go requires nResults <= collection size.
	n := x.col.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	k = min(k, n)

	results, err := x.col.QueryEmbedding(ctx, cloneVector(vec), k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]domain.Neighbor, 0, len(results))
	for _, r := range results {
		out = append(out, domain.Neighbor{Handle: r.ID, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

func (x *ChromemIndex) Len() int {
	return x.col.Count()
}
