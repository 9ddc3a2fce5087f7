package store

import (
	"context"
	"testing"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, _ := newTestRedisStore(t)
	exercisePersistentStore(t, s)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newTestRedisStore(t)
	m := sampleMemory("laid out under the prefix", domain.LayerSemantic, time.Now().UTC())
	require.NoError(t, s.SaveAll(context.Background(), []domain.Memory{m}))

	assert.True(t, mr.Exists("memtier:memory:"+m.ID.String()))
	members, err := mr.Members("memtier:memories")
	require.NoError(t, err)
	assert.Equal(t, []string{m.ID.String()}, members)
}

func TestRedisStore_SkipsDanglingIDs(t *testing.T) {
	s, mr := newTestRedisStore(t)
	m := sampleMemory("present", domain.LayerWorking, time.Now().UTC())
	require.NoError(t, s.SaveAll(context.Background(), []domain.Memory{m}))
	_, err := mr.SAdd("memtier:memories", "00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)

	loaded, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, m.ID, loaded[0].ID)
}

func TestNewRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test:")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "test:memories", s.allKey())

	_, err = NewRedisStore(context.Background(), "not a url", "")
	assert.Error(t, err)
}
