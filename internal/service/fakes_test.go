package service

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errFakeDown = errors.New("fake backend down")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakePersistence struct {
	mu        sync.Mutex
	records   map[uuid.UUID]domain.Memory
	saveErr   error
	deleteErr error
	saves     int
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{records: make(map[uuid.UUID]domain.Memory)}
}

func (f *fakePersistence) LoadAll(ctx context.Context) ([]domain.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Memory, 0, len(f.records))
	for _, m := range f.records {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *fakePersistence) SaveAll(ctx context.Context, memories []domain.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	for _, m := range memories {
		f.records[m.ID] = m.Clone()
	}
	return nil
}

func (f *fakePersistence) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.records[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.records, id)
	return nil
}

func (f *fakePersistence) get(id uuid.UUID) (domain.Memory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.records[id]
	return m, ok
}

// fakeEmbeddings hashes word tokens into a fixed-size vector, so texts with
// the same words embed identically.
type fakeEmbeddings struct {
	mu        sync.Mutex
	down      bool
	failTexts map[string]bool
	index     map[string][]float32
	embeds    int
}

func newFakeEmbeddings() *fakeEmbeddings {
	return &fakeEmbeddings{index: make(map[string][]float32), failTexts: make(map[string]bool)}
}

func (f *fakeEmbeddings) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeEmbeddings) Available(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down
}

func (f *fakeEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedLocked(text)
}

func (f *fakeEmbeddings) embedLocked(text string) ([]float32, error) {
	if f.down || f.failTexts[text] {
		return nil, errFakeDown
	}
	f.embeds++
	vec := make([]float32, 64)
	for _, w := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%64] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec, nil
}

func (f *fakeEmbeddings) Index(ctx context.Context, handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vec, err := f.embedLocked(text)
	if err != nil {
		return err
	}
	f.index[handle] = vec
	return nil
}

func (f *fakeEmbeddings) Vector(ctx context.Context, handle, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errFakeDown
	}
	if v, ok := f.index[handle]; ok {
		return v, nil
	}
	return f.embedLocked(text)
}

func (f *fakeEmbeddings) Nearest(ctx context.Context, vec []float32, k int) ([]domain.Neighbor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errFakeDown
	}
	out := make([]domain.Neighbor, 0, len(f.index))
	for h, v := range f.index {
		out = append(out, domain.Neighbor{Handle: h, Similarity: f.Similarity(vec, v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Handle < out[j].Handle
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeEmbeddings) Remove(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.index, handle)
	return nil
}

func (f *fakeEmbeddings) Similarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (f *fakeEmbeddings) indexed(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.index[handle]
	return ok
}

type coordinatorFixture struct {
	coord   *Coordinator
	clock   *testClock
	persist *fakePersistence
	embed   *fakeEmbeddings
}

// newFixture builds a coordinator over fakes. A nil embed argument runs the
// coordinator without an embedding provider.
func newFixture(t *testing.T, policy domain.Policy, embed *fakeEmbeddings) *coordinatorFixture {
	t.Helper()
	clock := newTestClock()
	persist := newFakePersistence()
	opts := Options{
		Persistence: persist,
		Policy:      policy,
		Clock:       clock.Now,
		Logger:      zap.NewNop(),
	}
	if embed != nil {
		opts.Embeddings = embed
	}
	coord, err := NewCoordinator(opts)
	require.NoError(t, err)
	return &coordinatorFixture{coord: coord, clock: clock, persist: persist, embed: embed}
}

func (fx *coordinatorFixture) add(t *testing.T, content string, source domain.Source) domain.Memory {
	t.Helper()
	m, err := fx.coord.Add(context.Background(), AddRequest{Content: content, Source: source})
	require.NoError(t, err)
	return m
}
