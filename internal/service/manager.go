package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/Harshitk-cp/memtier/internal/memstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrContentEmpty    = fmt.Errorf("%w: content is required", domain.ErrInvalidInput)
	ErrContentTooLong  = fmt.Errorf("%w: content exceeds maximum length", domain.ErrInvalidInput)
	ErrInvalidSource   = fmt.Errorf("%w: invalid source", domain.ErrInvalidInput)
	ErrInvalidStatus   = fmt.Errorf("%w: invalid verification status", domain.ErrInvalidInput)
	ErrInvalidLayer    = fmt.Errorf("%w: invalid layer", domain.ErrInvalidInput)
	ErrNothingToUpdate = fmt.Errorf("%w: no fields to update", domain.ErrInvalidInput)
)

// maxAutoAssociations caps the topical links a new memory gets on insert.
const maxAutoAssociations = 5

type AddRequest struct {
	Content      string                    `json:"content"`
	Source       domain.Source             `json:"source"`
	Verification domain.VerificationStatus `json:"verification_status,omitempty"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
}

// UpdateRequest changes a memory in place. Nil fields are left alone; a
// metadata key mapped to the empty string is deleted.
type UpdateRequest struct {
	Content      *string                    `json:"content,omitempty"`
	Verification *domain.VerificationStatus `json:"verification_status,omitempty"`
	Metadata     map[string]string          `json:"metadata,omitempty"`
}

// MemoryManager owns the write path for individual memories: validation,
// enrichment, scoring, indexing and persistence.
type MemoryManager struct {
	store      *memstore.Store
	scorer     *ImportanceScorer
	embeddings domain.EmbeddingProvider
	persist    domain.PersistentStore
	policy     domain.Policy
	clock      func() time.Time
	logger     *zap.Logger
}

func NewMemoryManager(
	store *memstore.Store,
	embeddings domain.EmbeddingProvider,
	persist domain.PersistentStore,
	policy domain.Policy,
	clock func() time.Time,
	logger *zap.Logger,
) *MemoryManager {
	return &MemoryManager{
		store:      store,
		scorer:     NewImportanceScorer(policy),
		embeddings: embeddings,
		persist:    persist,
		policy:     policy,
		clock:      clock,
		logger:     logger,
	}
}

// Add stores a new memory. The returned memory is always the stored one,
// even when persistence fails; in that case the error wraps
// domain.ErrPersistence and the record stays in memory.
func (s *MemoryManager) Add(ctx context.Context, req AddRequest) (domain.Memory, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return domain.Memory{}, ErrContentEmpty
	}
	if s.policy.MaxContentLength > 0 && len(content) > s.policy.MaxContentLength {
		return domain.Memory{}, ErrContentTooLong
	}
	if !domain.ValidSource(string(req.Source)) {
		return domain.Memory{}, ErrInvalidSource
	}
	status := req.Verification
	if status == "" {
		status = domain.VerificationUnverified
	}
	if !domain.ValidVerification(string(status)) {
		return domain.Memory{}, ErrInvalidStatus
	}

	now := s.clock()
	m := domain.Memory{
		ID:             uuid.New(),
		Content:        content,
		Layer:          domain.InitialLayer(req.Source, req.Metadata),
		Source:         req.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
		Entities:       extractEntities(content),
		Topics:         extractTopics(content),
		Sentiment:      analyzeSentiment(content),
		Verification:   status,
		Metadata:       copyMetadata(req.Metadata),
	}

	uniqueness := s.indexAndMeasure(ctx, &m)
	m.ImportanceScore = s.scorer.Score(&m, ScoreContext{Now: now, Uniqueness: uniqueness}).FinalScore

	if _, err := s.store.Insert(m); err != nil {
		return domain.Memory{}, err
	}
	s.autoAssociate(&m)

	stored, err := s.store.Get(m.ID)
	if err != nil {
		return domain.Memory{}, err
	}

	s.logger.Debug("memory added",
		zap.String("memory_id", stored.ID.String()),
		zap.String("layer", string(stored.Layer)),
		zap.Float64("importance", stored.ImportanceScore),
	)

	if err := s.save(ctx, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

// indexAndMeasure stores the memory's vector and estimates its uniqueness
// within its layer. Any embedding failure leaves the memory without a
// vector reference and with a neutral uniqueness.
func (s *MemoryManager) indexAndMeasure(ctx context.Context, m *domain.Memory) float64 {
	if !embeddingsUp(ctx, s.embeddings) {
		return NeutralSignal
	}
	ectx, cancel := context.WithTimeout(ctx, embedTimeout(s.policy.Retrieval))
	defer cancel()

	handle := m.ID.String()
	if err := s.embeddings.Index(ectx, handle, m.Content); err != nil {
		s.logger.Warn("failed to index memory embedding", zap.String("memory_id", handle), zap.Error(err))
		return NeutralSignal
	}
	m.EmbeddingRef = handle
	return s.measure(ectx, m)
}

// measure estimates uniqueness from the vector already stored for m.
func (s *MemoryManager) measure(ctx context.Context, m *domain.Memory) float64 {
	handle := embeddingHandle(m)
	vec, err := s.embeddings.Vector(ctx, handle, m.Content)
	if err != nil {
		return NeutralSignal
	}
	u, err := nearestUniqueness(ctx, s.embeddings, vec, handle, s.layerMembership(m.Layer))
	if err != nil {
		s.logger.Debug("nearest neighbour lookup failed", zap.String("memory_id", m.ID.String()), zap.Error(err))
		return NeutralSignal
	}
	return u
}

func (s *MemoryManager) layerMembership(l domain.Layer) func(handle string) bool {
	members := make(map[string]struct{})
	for _, m := range s.store.IterLayer(l) {
		if m.Primary() {
			members[embeddingHandle(&m)] = struct{}{}
		}
	}
	return func(handle string) bool {
		_, ok := members[handle]
		return ok
	}
}

// autoAssociate links m to the most recently used memories that share an
// entity or topic with it.
func (s *MemoryManager) autoAssociate(m *domain.Memory) {
	if len(m.Entities) == 0 && len(m.Topics) == 0 {
		return
	}
	var related []domain.Memory
	for _, other := range s.store.All() {
		if other.ID == m.ID || !other.Primary() {
			continue
		}
		if sharesTerms(m, &other) {
			related = append(related, other)
		}
	}
	sort.SliceStable(related, func(i, j int) bool {
		if !related[i].LastAccessedAt.Equal(related[j].LastAccessedAt) {
			return related[i].LastAccessedAt.After(related[j].LastAccessedAt)
		}
		return domain.LessID(related[i].ID, related[j].ID)
	})
	if len(related) > maxAutoAssociations {
		related = related[:maxAutoAssociations]
	}
	for _, other := range related {
		if err := s.store.Associate(m.ID, other.ID, domain.AssociationTopical); err != nil {
			s.logger.Debug("skip auto association", zap.String("target_id", other.ID.String()), zap.Error(err))
		}
	}
}

// Update revises a memory. A content change bumps the revision, re-derives
// entities, topics and sentiment, and re-indexes the embedding. Other
// changes rescore against the vector already stored.
func (s *MemoryManager) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (domain.Memory, error) {
	if req.Content == nil && req.Verification == nil && len(req.Metadata) == 0 {
		return domain.Memory{}, ErrNothingToUpdate
	}
	var content string
	if req.Content != nil {
		content = strings.TrimSpace(*req.Content)
		if content == "" {
			return domain.Memory{}, ErrContentEmpty
		}
		if s.policy.MaxContentLength > 0 && len(content) > s.policy.MaxContentLength {
			return domain.Memory{}, ErrContentTooLong
		}
	}
	if req.Verification != nil && !domain.ValidVerification(string(*req.Verification)) {
		return domain.Memory{}, ErrInvalidStatus
	}

	current, err := s.store.Get(id)
	if err != nil {
		return domain.Memory{}, err
	}

	now := s.clock()
	next := current.Clone()
	contentChanged := req.Content != nil && content != current.Content
	if contentChanged {
		next.Content = content
		next.Revision++
		next.Entities = extractEntities(content)
		next.Topics = extractTopics(content)
		next.Sentiment = analyzeSentiment(content)
	}
	if req.Verification != nil {
		next.Verification = *req.Verification
	}
	for k, v := range req.Metadata {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string)
		}
		if v == "" {
			delete(next.Metadata, k)
			continue
		}
		next.Metadata[k] = v
	}
	next.UpdatedAt = now

	uniqueness := NeutralSignal
	switch {
	case contentChanged:
		uniqueness = s.indexAndMeasure(ctx, &next)
	case next.EmbeddingRef != "" && embeddingsUp(ctx, s.embeddings):
		mctx, cancel := context.WithTimeout(ctx, embedTimeout(s.policy.Retrieval))
		uniqueness = s.measure(mctx, &next)
		cancel()
	}
	next.ImportanceScore = s.scorer.Score(&next, ScoreContext{Now: now, Uniqueness: uniqueness}).FinalScore

	err = s.store.Update(id, func(m *domain.Memory) error {
		m.Content = next.Content
		m.Revision = next.Revision
		m.Entities = next.Entities
		m.Topics = next.Topics
		m.Sentiment = next.Sentiment
		m.Verification = next.Verification
		m.Metadata = next.Metadata
		m.UpdatedAt = next.UpdatedAt
		m.EmbeddingRef = next.EmbeddingRef
		m.ImportanceScore = next.ImportanceScore
		return nil
	})
	if err != nil {
		return domain.Memory{}, err
	}

	stored, err := s.store.Get(id)
	if err != nil {
		return domain.Memory{}, err
	}
	if err := s.save(ctx, stored); err != nil {
		return stored, err
	}
	return stored, nil
}

// Remove deletes a memory everywhere. Removing a merged summary hands its
// originals back as primary memories. Only the in-memory removal must
// succeed; a storage failure is reported as domain.ErrPersistence after the
// fact and an index failure is only logged.
func (s *MemoryManager) Remove(ctx context.Context, id uuid.UUID) error {
	removed, err := s.store.Get(id)
	if err != nil {
		return err
	}
	batch := memstore.Batch{Removes: []uuid.UUID{id}}
	released := releaseOriginals(&batch, s.store.All(), s.clock())
	if err := s.store.Apply(batch); err != nil {
		return err
	}
	if len(released) > 0 {
		s.logger.Debug("merged originals released", zap.String("memory_id", id.String()), zap.Int("count", len(released)))
	}
	if embeddingsUp(ctx, s.embeddings) {
		if err := s.embeddings.Remove(ctx, embeddingHandle(&removed)); err != nil {
			s.logger.Warn("failed to remove memory embedding", zap.String("memory_id", id.String()), zap.Error(err))
		}
	}
	if s.persist != nil {
		if err := s.persist.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("failed to delete memory from storage", zap.String("memory_id", id.String()), zap.Error(err))
			return fmt.Errorf("delete memory %s: %w: %w", id, domain.ErrPersistence, err)
		}
		if len(batch.Puts) > 0 {
			if err := s.persist.SaveAll(ctx, batch.Puts); err != nil {
				s.logger.Error("failed to persist released originals", zap.String("memory_id", id.String()), zap.Error(err))
				return fmt.Errorf("release originals of %s: %w: %w", id, domain.ErrPersistence, err)
			}
		}
	}
	return nil
}

func (s *MemoryManager) Associate(ctx context.Context, from, to uuid.UUID, t domain.AssociationType) error {
	if err := s.store.Associate(from, to, t); err != nil {
		return err
	}
	stored, err := s.store.Get(from)
	if err != nil {
		return err
	}
	return s.save(ctx, stored)
}

// Load upserts every durable record that is not already in memory.
// Records with an unknown layer are skipped.
func (s *MemoryManager) Load(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	memories, err := s.persist.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load memories: %w: %w", domain.ErrPersistence, err)
	}

	batch := memstore.Batch{Puts: make([]domain.Memory, 0, len(memories))}
	for _, m := range memories {
		if m.ID == uuid.Nil || !domain.ValidLayer(string(m.Layer)) {
			s.logger.Warn("skip invalid stored memory", zap.String("memory_id", m.ID.String()), zap.String("layer", string(m.Layer)))
			continue
		}
		if _, err := s.store.Get(m.ID); err == nil {
			continue
		}
		batch.Puts = append(batch.Puts, m)
	}
	if err := s.store.Apply(batch); err != nil {
		return 0, err
	}
	s.logger.Info("memories loaded", zap.Int("count", len(batch.Puts)))
	return len(batch.Puts), nil
}

// Flush writes every in-memory record to durable storage.
func (s *MemoryManager) Flush(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	all := s.store.All()
	if err := s.persist.SaveAll(ctx, all); err != nil {
		s.logger.Error("flush failed", zap.Int("count", len(all)), zap.Error(err))
		return fmt.Errorf("flush: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (s *MemoryManager) save(ctx context.Context, m domain.Memory) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveAll(ctx, []domain.Memory{m}); err != nil {
		s.logger.Error("failed to persist memory", zap.String("memory_id", m.ID.String()), zap.Error(err))
		return fmt.Errorf("save memory %s: %w: %w", m.ID, domain.ErrPersistence, err)
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
