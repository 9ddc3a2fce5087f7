package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harshitk-cp/memtier/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "memtier:"
	redisLoadChunk   = 500
)

// RedisStore keeps each memory as a JSON string plus a set of all ids.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects using a redis:// URL and checks the connection.
func NewRedisStore(ctx context.Context, url, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client, keyPrefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) memoryKey(id string) string {
	return s.keyPrefix + "memory:" + id
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "memories"
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]domain.Memory, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list memory ids: %w", err)
	}

	out := make([]domain.Memory, 0, len(ids))
	for start := 0; start < len(ids); start += redisLoadChunk {
		end := min(start+redisLoadChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.memoryKey(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load memories: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Listed but missing: an interrupted delete.
				continue
			}
			var m domain.Memory
			if err := json.Unmarshal([]byte(str), &m); err != nil {
				return nil, fmt.Errorf("decode memory %s: %w", ids[start+i], err)
			}
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveAll(ctx context.Context, memories []domain.Memory) error {
	if len(memories) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range memories {
			m := &memories[i]
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal memory %s: %w", m.ID, err)
			}
			id := m.ID.String()
			pipe.Set(ctx, s.memoryKey(id), data, 0)
			pipe.SAdd(ctx, s.allKey(), id)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.memoryKey(id.String()))
		pipe.SRem(ctx, s.allKey(), id.String())
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
