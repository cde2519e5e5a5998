package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisNamespaceSet = "shellcache:namespaces"
	redisHashPrefix   = "shellcache:ns:"
)

// RedisStorage is a Storage implementation backed by Redis,
// for deployments where several proxy instances share one cache.
// Each namespace is a hash; namespace names are tracked in a set.
type RedisStorage struct {
	redis *redis.Client
}

// NewRedisStorage creates a new storage on top of the given Redis client.
func NewRedisStorage(redisClient *redis.Client) *RedisStorage {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStorage{redis: redisClient}
}

func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := s.redis.SAdd(ctx, redisNamespaceSet, name).Err(); err != nil {
		return nil, fmt.Errorf("redis sadd: %w", err)
	}
	return &redisCache{redis: s.redis, hash: redisHashPrefix + name}, nil
}

func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, redisNamespaceSet).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return names, nil
}

func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	removed, err := s.redis.SRem(ctx, redisNamespaceSet, name).Result()
	if err != nil {
		return false, fmt.Errorf("redis srem: %w", err)
	}
	if err := s.redis.Del(ctx, redisHashPrefix+name).Err(); err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return removed > 0, nil
}

type redisCache struct {
	redis *redis.Client
	hash  string
}

// redisEntry is the JSON value format stored in hash fields.
type redisEntry struct {
	FetchedAt int64  `json:"fetched_at"`
	Bytes     []byte `json:"bytes"`
}

func (c *redisCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	data, err := c.redis.HGet(ctx, c.hash, key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return Entry{
		Key:       key,
		FetchedAt: time.Unix(stored.FetchedAt, 0),
		Bytes:     stored.Bytes,
	}, true, nil
}

func (c *redisCache) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(redisEntry{
		FetchedAt: entry.FetchedAt.Unix(),
		Bytes:     entry.Bytes,
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.redis.HSet(ctx, c.hash, entry.Key, data).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (c *redisCache) PutAll(ctx context.Context, entries []Entry) error {
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			data, err := json.Marshal(redisEntry{
				FetchedAt: entry.FetchedAt.Unix(),
				Bytes:     entry.Bytes,
			})
			if err != nil {
				return fmt.Errorf("marshal cache entry: %w", err)
			}
			pipe.HSet(ctx, c.hash, entry.Key, data)
		}
		return nil
	})
	return err
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.redis.HKeys(ctx, c.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hkeys: %w", err)
	}
	return keys, nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := c.redis.HDel(ctx, c.hash, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis hdel: %w", err)
	}
	return removed > 0, nil
}
