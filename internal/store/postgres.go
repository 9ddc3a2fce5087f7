package store

import (
	"context"
	"fmt"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id               UUID PRIMARY KEY,
			content          TEXT NOT NULL,
			layer            TEXT NOT NULL,
			source           TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			access_count     INTEGER NOT NULL DEFAULT 0,
			embedding_ref    TEXT NOT NULL DEFAULT '',
			verification     TEXT NOT NULL,
			merged_into      UUID,
			revision         INTEGER NOT NULL DEFAULT 0,
			details          JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_memories_layer ON memories(layer);`)
	if err != nil {
		return fmt.Errorf("create memories: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]domain.Memory, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, content, layer, source, created_at, updated_at, last_accessed_at, importance_score,
		        access_count, embedding_ref, verification, merged_into, revision, details
		 FROM memories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		var m domain.Memory
		var d details
		if err := rows.Scan(&m.ID, &m.Content, &m.Layer, &m.Source, &m.CreatedAt, &m.UpdatedAt,
			&m.LastAccessedAt, &m.ImportanceScore, &m.AccessCount, &m.EmbeddingRef, &m.Verification,
			&m.MergedInto, &m.Revision, &d); err != nil {
			return nil, err
		}
		d.apply(&m)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveAll upserts the given memories in one transaction.
func (s *PostgresStore) SaveAll(ctx context.Context, memories []domain.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range memories {
		m := &memories[i]
		batch.Queue(
			`INSERT INTO memories (id, content, layer, source, created_at, updated_at, last_accessed_at,
			                       importance_score, access_count, embedding_ref, verification, merged_into, revision, details)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			   content = EXCLUDED.content,
			   layer = EXCLUDED.layer,
			   source = EXCLUDED.source,
			   updated_at = EXCLUDED.updated_at,
			   last_accessed_at = EXCLUDED.last_accessed_at,
			   importance_score = EXCLUDED.importance_score,
			   access_count = EXCLUDED.access_count,
			   embedding_ref = EXCLUDED.embedding_ref,
			   verification = EXCLUDED.verification,
			   merged_into = EXCLUDED.merged_into,
			   revision = EXCLUDED.revision,
			   details = EXCLUDED.details`,
			m.ID, m.Content, string(m.Layer), string(m.Source), m.CreatedAt, m.UpdatedAt, m.LastAccessedAt,
			m.ImportanceScore, m.AccessCount, m.EmbeddingRef, string(m.Verification), m.MergedInto, m.Revision,
			detailsOf(m),
		)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert memories: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
