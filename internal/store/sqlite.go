package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file store for local and CLI use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id               TEXT PRIMARY KEY,
		content          TEXT NOT NULL,
		layer            TEXT NOT NULL,
		source           TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		last_accessed_at TEXT NOT NULL,
		importance_score REAL NOT NULL DEFAULT 0,
		access_count     INTEGER NOT NULL DEFAULT 0,
		embedding_ref    TEXT NOT NULL DEFAULT '',
		verification     TEXT NOT NULL,
		merged_into      TEXT,
		revision         INTEGER NOT NULL DEFAULT 0,
		details          TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_memories_layer ON memories(layer);
	`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]domain.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, layer, source, created_at, updated_at, last_accessed_at, importance_score,
		        access_count, embedding_ref, verification, merged_into, revision, details
		 FROM memories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		m, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSQLite(rows *sql.Rows) (domain.Memory, error) {
	var (
		m                          domain.Memory
		id, created, updated, last string
		mergedInto                 sql.NullString
		raw                        string
	)
	if err := rows.Scan(&id, &m.Content, &m.Layer, &m.Source, &created, &updated, &last,
		&m.ImportanceScore, &m.AccessCount, &m.EmbeddingRef, &m.Verification, &mergedInto,
		&m.Revision, &raw); err != nil {
		return m, err
	}

	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return m, fmt.Errorf("memory id %q: %w", id, err)
	}
	if mergedInto.Valid {
		target, err := uuid.Parse(mergedInto.String)
		if err != nil {
			return m, fmt.Errorf("merged_into of %s: %w", id, err)
		}
		m.MergedInto = &target
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&m.CreatedAt, created}, {&m.UpdatedAt, updated}, {&m.LastAccessedAt, last}} {
		if *f.dst, err = time.Parse(time.RFC3339Nano, f.src); err != nil {
			return m, fmt.Errorf("timestamp of %s: %w", id, err)
		}
	}

	var d details
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return m, fmt.Errorf("details of %s: %w", id, err)
	}
	d.apply(&m)
	return m, nil
}

// SaveAll upserts the given memories in one transaction.
func (s *SQLiteStore) SaveAll(ctx context.Context, memories []domain.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO memories (id, content, layer, source, created_at, updated_at, last_accessed_at,
		                       importance_score, access_count, embedding_ref, verification, merged_into, revision, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   content = excluded.content,
		   layer = excluded.layer,
		   source = excluded.source,
		   updated_at = excluded.updated_at,
		   last_accessed_at = excluded.last_accessed_at,
		   importance_score = excluded.importance_score,
		   access_count = excluded.access_count,
		   embedding_ref = excluded.embedding_ref,
		   verification = excluded.verification,
		   merged_into = excluded.merged_into,
		   revision = excluded.revision,
		   details = excluded.details`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range memories {
		m := &memories[i]
		raw, err := json.Marshal(detailsOf(m))
		if err != nil {
			return fmt.Errorf("marshal details of %s: %w", m.ID, err)
		}
		var mergedInto sql.NullString
		if m.MergedInto != nil {
			mergedInto = sql.NullString{String: m.MergedInto.String(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			m.ID.String(), m.Content, string(m.Layer), string(m.Source),
			formatTime(m.CreatedAt), formatTime(m.UpdatedAt), formatTime(m.LastAccessedAt),
			m.ImportanceScore, m.AccessCount, m.EmbeddingRef, string(m.Verification),
			mergedInto, m.Revision, string(raw),
		); err != nil {
			return fmt.Errorf("upsert memory %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
