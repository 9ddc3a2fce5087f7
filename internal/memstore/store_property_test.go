package memstore

import (
	"testing"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// checkIndex verifies every record sits in exactly one layer index and that
// the index agrees with the record's own layer.
func checkIndex(rt *rapid.T, s *Store) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	indexed := 0
	for l, idx := range s.layers {
		for id := range idx {
			rec, ok := s.records[id]
			if !ok {
				rt.Fatalf("layer %s indexes missing record %s", l, id)
			}
			if rec.Layer != l {
				rt.Fatalf("record %s indexed under %s but has layer %s", id, l, rec.Layer)
			}
			indexed++
		}
	}
	if indexed != len(s.records) {
		rt.Fatalf("indexed %d records, store holds %d", indexed, len(s.records))
	}
	for id, rec := range s.records {
		if !domain.ValidLayer(string(rec.Layer)) {
			rt.Fatalf("record %s has invalid layer %q", id, rec.Layer)
		}
	}
}

func TestProperty_SingleLayerInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New()
		var ids []uuid.UUID
		layers := domain.AllLayers()

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.IntRange(0, 3).Draw(rt, "op")
			switch {
			case op == 0 || len(ids) == 0:
				l := rapid.SampledFrom(layers).Draw(rt, "layer")
				id, err := s.Insert(newMemory("m", l))
				if err != nil {
					rt.Fatalf("insert: %v", err)
				}
				ids = append(ids, id)
			case op == 1:
				idx := rapid.IntRange(0, len(ids)-1).Draw(rt, "remove")
				if _, err := s.Remove(ids[idx]); err != nil {
					rt.Fatalf("remove: %v", err)
				}
				ids = append(ids[:idx], ids[idx+1:]...)
			case op == 2:
				idx := rapid.IntRange(0, len(ids)-1).Draw(rt, "move")
				m, err := s.Get(ids[idx])
				if err != nil {
					rt.Fatalf("get: %v", err)
				}
				from := m.Layer
				target := rapid.SampledFrom(layers).Draw(rt, "target")
				m.Layer = target
				err = s.Apply(Batch{Puts: []domain.Memory{m}})
				legal := domain.CanTransition(from, target)
				if legal && err != nil {
					rt.Fatalf("legal move %s -> %s rejected: %v", from, target, err)
				}
				if !legal && err == nil {
					rt.Fatalf("illegal move %s -> %s accepted", from, target)
				}
			default:
				idx := rapid.IntRange(0, len(ids)-1).Draw(rt, "update")
				_ = s.Update(ids[idx], func(m *domain.Memory) error {
					m.AccessCount++
					return nil
				})
			}
			checkIndex(rt, s)
		}

		total := 0
		for _, n := range s.CountByLayer() {
			total += n
		}
		if total != s.Len() {
			rt.Fatalf("layer counts sum to %d, store holds %d", total, s.Len())
		}
	})
}
