package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PgVectorIndex keeps vectors in Postgres next to the memory rows so they
// survive restarts. Nearest uses the cosine distance operator.
type PgVectorIndex struct {
	db *pgxpool.Pool
}

func NewPgVectorIndex(db *pgxpool.Pool) *PgVectorIndex {
	return &PgVectorIndex{db: db}
}

func (x *PgVectorIndex) EnsureSchema(ctx context.Context) error {
	_, err := x.db.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS memory_vectors (
			handle     TEXT PRIMARY KEY,
			embedding  vector NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create memory_vectors: %w", err)
	}
	return nil
}

func (x *PgVectorIndex) Put(ctx context.Context, handle string, vec []float32) error {
	_, err := x.db.Exec(ctx,
		`INSERT INTO memory_vectors (handle, embedding, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (handle) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = NOW()`,
		handle, pgvector.NewVector(vec),
	)
	return err
}

func (x *PgVectorIndex) Get(ctx context.Context, handle string) ([]float32, error) {
	var v pgvector.Vector
	err := x.db.QueryRow(ctx,
		`SELECT embedding FROM memory_vectors WHERE handle = $1`, handle,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("vector %s: %w", handle, domain.ErrNotFound)
		}
		return nil, err
	}
	return v.Slice(), nil
}

func (x *PgVectorIndex) Delete(ctx context.Context, handle string) error {
	_, err := x.db.Exec(ctx, `DELETE FROM memory_vectors WHERE handle = $1`, handle)
	return err
}

func (x *PgVectorIndex) Nearest(ctx context.Context, vec []float32, k int) ([]domain.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := x.db.Query(ctx,
		`SELECT handle, 1 - (embedding <=> $1) AS similarity
		 FROM memory_vectors
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(vec), k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Neighbor
	for rows.Next() {
		var n domain.Neighbor
		if err := rows.Scan(&n.Handle, &n.Similarity); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
