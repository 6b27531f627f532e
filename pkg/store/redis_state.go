package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// redisCASScript swaps a key's value atomically. A sentinel of "" for
// ARGV[1] means the key must be absent.
// KEYS[1] = value key
// ARGV[1] = expected value ("" = must not exist)
// ARGV[2] = new value
var redisCASScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
    if current then
        return 0
    end
else
    if not current or current ~= ARGV[1] then
        return 0
    end
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// RedisStateStore implements StateStore on Redis for fleet deployments.
// Keys are namespaced under "keel:".
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a store backed by Redis.
func NewRedisStateStore(addr, password string, db int) *RedisStateStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStateStore{client: rdb, prefix: "keel:"}
}

// NewRedisStateStoreFromClient wraps an existing client, for tests.
func NewRedisStateStoreFromClient(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "keel:"}
}

func (s *RedisStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStateStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStateStore) CAS(ctx context.Context, key string, expected, value []byte) (bool, error) {
	exp := ""
	if expected != nil {
		exp = string(expected)
	}
	res, err := redisCASScript.Run(ctx, s.client, []string{s.prefix + key}, exp, string(value)).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStateStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
