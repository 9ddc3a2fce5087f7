// Package memstore is the in-memory, layer-indexed collection of memory
// records. It applies no policy and never talks to durable storage.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
)

// Store owns every memory record. Reads hand out deep copies; mutations go
// through Insert, Update, Remove, Associate or an atomic Apply.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*domain.Memory
	layers  map[domain.Layer]map[uuid.UUID]struct{}
}

func New() *Store {
	s := &Store{
		records: make(map[uuid.UUID]*domain.Memory),
		layers:  make(map[domain.Layer]map[uuid.UUID]struct{}, len(domain.AllLayers())),
	}
	for _, l := range domain.AllLayers() {
		s.layers[l] = make(map[uuid.UUID]struct{})
	}
	return s
}

// Insert adds a new record. A nil id is replaced with a fresh one.
func (s *Store) Insert(m domain.Memory) (uuid.UUID, error) {
	if !domain.ValidLayer(string(m.Layer)) {
		return uuid.Nil, fmt.Errorf("%w: unknown layer %q", domain.ErrInvalidInput, m.Layer)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[m.ID]; exists {
		return uuid.Nil, fmt.Errorf("%w: duplicate memory id %s", domain.ErrInvalidInput, m.ID)
	}
	rec := m.Clone()
	s.put(&rec)
	return m.ID, nil
}

func (s *Store) Get(id uuid.UUID) (domain.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.Memory{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies fn to a copy of the record and stores the result if fn
// succeeds. Layer and id are immutable here: layer moves belong to
// consolidation and pruning passes, which commit through Apply.
func (s *Store) Update(id uuid.UUID, fn func(m *domain.Memory) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}

	work := rec.Clone()
	if err := fn(&work); err != nil {
		return err
	}
	if work.ID != id {
		return fmt.Errorf("%w: memory id is immutable", domain.ErrInvalidInput)
	}
	if work.Layer != rec.Layer {
		return fmt.Errorf("%w: layer changes are reserved for consolidation and pruning", domain.ErrInvalidInput)
	}
	s.records[id] = &work
	return nil
}

func (s *Store) Remove(id uuid.UUID) (domain.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.Memory{}, domain.ErrNotFound
	}
	s.drop(id)
	return *rec, nil
}

// IterLayer returns a snapshot of the layer ordered by id. Later mutations
// never show up in a snapshot already handed out.
func (s *Store) IterLayer(l domain.Layer) []domain.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.layers[l]
	out := make([]domain.Memory, 0, len(idx))
	for id := range idx {
		out = append(out, s.records[id].Clone())
	}
	sortByID(out)
	return out
}

// All returns a snapshot of every record ordered by id.
func (s *Store) All() []domain.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Memory, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortByID(out)
	return out
}

// CountByLayer reports a count for every layer, including empty ones.
func (s *Store) CountByLayer() map[domain.Layer]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.Layer]int, len(s.layers))
	for l, idx := range s.layers {
		counts[l] = len(idx)
	}
	return counts
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Associate adds a directed edge from one record to another. Adding an edge
// that already exists is a no-op.
func (s *Store) Associate(from, to uuid.UUID, t domain.AssociationType) error {
	if from == to {
		return fmt.Errorf("%w: a memory cannot be associated with itself", domain.ErrInvalidInput)
	}
	if !domain.ValidAssociationType(string(t)) {
		return fmt.Errorf("%w: unknown association type %q", domain.ErrInvalidInput, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[from]
	if !ok {
		return domain.ErrNotFound
	}
	if _, ok := s.records[to]; !ok {
		return domain.ErrNotFound
	}
	if rec.HasAssociation(to, t) {
		return nil
	}
	work := rec.Clone()
	work.Associations = append(work.Associations, domain.Association{TargetID: to, Type: t})
	s.records[from] = &work
	return nil
}

// Associations returns the live edges of a record. Edges whose target has
// been removed are dropped from the record on the way out.
func (s *Store) Associations(id uuid.UUID) ([]domain.Association, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	live := make([]domain.Association, 0, len(rec.Associations))
	for _, a := range rec.Associations {
		if _, ok := s.records[a.TargetID]; ok {
			live = append(live, a)
		}
	}
	if len(live) != len(rec.Associations) {
		work := rec.Clone()
		work.Associations = live
		s.records[id] = &work
	}
	return append([]domain.Association(nil), live...), nil
}

// Batch is the set of writes a pass commits in one step.
type Batch struct {
	Puts    []domain.Memory
	Removes []uuid.UUID
}

func (b *Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Removes) == 0
}

// Apply commits a batch atomically: either every write lands or none does.
// A put of an existing record may move it between layers, but only along a
// valid transition.
func (s *Store) Apply(b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removing := make(map[uuid.UUID]struct{}, len(b.Removes))
	for _, id := range b.Removes {
		if _, ok := s.records[id]; !ok {
			return fmt.Errorf("remove %s: %w", id, domain.ErrNotFound)
		}
		removing[id] = struct{}{}
	}

	seen := make(map[uuid.UUID]struct{}, len(b.Puts))
	for i := range b.Puts {
		m := &b.Puts[i]
		if m.ID == uuid.Nil {
			return fmt.Errorf("%w: batch put without id", domain.ErrInvalidInput)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: memory %s appears twice in batch", domain.ErrInvalidInput, m.ID)
		}
		seen[m.ID] = struct{}{}
		if _, ok := removing[m.ID]; ok {
			return fmt.Errorf("%w: memory %s both written and removed", domain.ErrInvalidInput, m.ID)
		}
		if !domain.ValidLayer(string(m.Layer)) {
			return fmt.Errorf("%w: unknown layer %q", domain.ErrInvalidInput, m.Layer)
		}
		if cur, ok := s.records[m.ID]; ok && !domain.CanTransition(cur.Layer, m.Layer) {
			return fmt.Errorf("%w: illegal transition %s -> %s for %s", domain.ErrInvalidInput, cur.Layer, m.Layer, m.ID)
		}
	}

	for _, id := range b.Removes {
		s.drop(id)
	}
	for i := range b.Puts {
		rec := b.Puts[i].Clone()
		s.put(&rec)
	}
	return nil
}

func (s *Store) put(rec *domain.Memory) {
	if cur, ok := s.records[rec.ID]; ok && cur.Layer != rec.Layer {
		delete(s.layers[cur.Layer], rec.ID)
	}
	s.records[rec.ID] = rec
	s.layers[rec.Layer][rec.ID] = struct{}{}
}

func (s *Store) drop(id uuid.UUID) {
	rec := s.records[id]
	delete(s.layers[rec.Layer], id)
	delete(s.records, id)
}

func sortByID(ms []domain.Memory) {
	sort.Slice(ms, func(i, j int) bool {
		return domain.LessID(ms[i].ID, ms[j].ID)
	})
}
