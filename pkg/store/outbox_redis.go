package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Crosswind-Labs/keel/pkg/contracts"
	"github.com/Crosswind-Labs/keel/pkg/outbox"
)

const redisOutboxPrefix = "keel:outbox:"

// redisAcquireScript creates the entry if absent and transitions
// PENDING/FAILED → IN_FLIGHT atomically.
// KEYS[1] = entry hash
// ARGV[1] = now (RFC3339Nano)
var redisAcquireScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    redis.call("HSET", KEYS[1],
        "state", "PENDING", "attempts", 0,
        "created_at", ARGV[1], "updated_at", ARGV[1])
    state = "PENDING"
end
if state == "IN_FLIGHT" then
    return "BUSY"
end
if state == "COMMITTED" then
    return "CONFLICT"
end
redis.call("HSET", KEYS[1], "state", "IN_FLIGHT", "updated_at", ARGV[1])
redis.call("HINCRBY", KEYS[1], "attempts", 1)
return "OK"
`)

// redisTransitionScript moves IN_FLIGHT to a terminal or retryable state.
// KEYS[1] = entry hash
// ARGV[1] = target state
// ARGV[2] = result ("" keeps the stored one)
// ARGV[3] = last error ("" keeps the stored one)
// ARGV[4] = now (RFC3339Nano)
var redisTransitionScript = redis.NewScript(`
local state = redis.call("HGET", KEYS[1], "state")
if not state then
    return "NOTFOUND"
end
if state ~= "IN_FLIGHT" then
    return "CONFLICT"
end
redis.call("HSET", KEYS[1], "state", ARGV[1], "updated_at", ARGV[4])
if ARGV[2] ~= "" then
    redis.call("HSET", KEYS[1], "result", ARGV[2])
end
if ARGV[3] ~= "" then
    redis.call("HSET", KEYS[1], "last_error", ARGV[3])
end
return "OK"
`)

// RedisOutboxStore implements outbox.Store on a shared Redis, for fleets
// whose workers race on the same idempotency keys. The compare-and-set
// contract holds because each transition is a single Lua script.
type RedisOutboxStore struct {
	client *redis.Client
}

// NewRedisOutboxStore wraps an existing client.
func NewRedisOutboxStore(client *redis.Client) *RedisOutboxStore {
	return &RedisOutboxStore{client: client}
}

func (s *RedisOutboxStore) Get(ctx context.Context, key string) (*contracts.OutboxEntry, error) {
	fields, err := s.client.HGetAll(ctx, redisOutboxPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("outbox get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, outbox.ErrNotFound
	}

	e := &contracts.OutboxEntry{
		Key:       key,
		State:     contracts.OutboxState(fields["state"]),
		LastError: fields["last_error"],
	}
	if v := fields["attempts"]; v != "" {
		e.Attempts, _ = strconv.Atoi(v)
	}
	if v := fields["result"]; v != "" {
		e.Result = []byte(v)
	}
	if v := fields["created_at"]; v != "" {
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := fields["updated_at"]; v != "" {
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return e, nil
}

func (s *RedisOutboxStore) Acquire(ctx context.Context, key string, now time.Time) (*contracts.OutboxEntry, error) {
	verdict, err := redisAcquireScript.Run(ctx, s.client,
		[]string{redisOutboxPrefix + key},
		now.UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("outbox acquire %s: %w", key, err)
	}
	switch verdict {
	case "BUSY":
		return nil, outbox.ErrBusy
	case "CONFLICT":
		return nil, outbox.ErrConflict
	}
	return s.Get(ctx, key)
}

func (s *RedisOutboxStore) Commit(ctx context.Context, key string, result []byte, now time.Time) error {
	return s.transition(ctx, key, "COMMITTED", result, "", now)
}

func (s *RedisOutboxStore) Fail(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(ctx, key, "FAILED", nil, lastError, now)
}

func (s *RedisOutboxStore) Release(ctx context.Context, key string, lastError string, now time.Time) error {
	return s.transition(ctx, key, "PENDING", nil, lastError, now)
}

func (s *RedisOutboxStore) transition(ctx context.Context, key, to string, result []byte, lastError string, now time.Time) error {
	verdict, err := redisTransitionScript.Run(ctx, s.client,
		[]string{redisOutboxPrefix + key},
		to, string(result), lastError, now.UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return fmt.Errorf("outbox transition %s -> %s: %w", key, to, err)
	}
	switch verdict {
	case "NOTFOUND":
		return outbox.ErrNotFound
	case "CONFLICT":
		return outbox.ErrConflict
	}
	return nil
}
