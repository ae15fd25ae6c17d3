package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the key/value surface shared by gate state (failure counters, bans,
// replay claims, rate windows) and shard B custody. Get returns redis.Nil
// for absent keys regardless of backend.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// MGet returns one entry per key; missing keys come back as "".
	MGet(ctx context.Context, keys ...string) ([]string, error)
	// Incr bumps a counter and arms ttl when the key has no expiry yet.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, prefix string) ([]string, error)
}

var incrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisKV wraps go-redis.
type RedisKV struct{ client redis.UniversalClient }

func NewRedisKV(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisKV) MGet(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

func (r *RedisKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
}

func (r *RedisKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.PTTL(ctx, key).Result()
}

func (r *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *RedisKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// MemoryKV is an in-process TTL map used in dev mode and tests.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return NewMemoryKVWithClock(time.Now)
}

// NewMemoryKVWithClock lets tests drive expiry deterministically.
func NewMemoryKVWithClock(now func() time.Time) *MemoryKV {
	if now == nil {
		now = time.Now
	}
	return &MemoryKV{items: map[string]memItem{}, now: now}
}

func (m *MemoryKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return "", redis.Nil
	}
	return item.value, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryKV) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *MemoryKV) MGet(ctx context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		if item, ok := m.liveLocked(k); ok {
			out[i] = item.value
		}
	}
	return out, nil
}

func (m *MemoryKV) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	var n int64
	if ok {
		parsed, err := parseCounter(item.value)
		if err != nil {
			return 0, err
		}
		n = parsed
	} else {
		item.expiresAt = m.expiry(ttl)
	}
	n++
	item.value = strconv.FormatInt(n, 10)
	m.items[key] = item
	return n, nil
}

func (m *MemoryKV) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.liveLocked(key)
	if !ok {
		return -2 * time.Nanosecond, nil
	}
	if item.expiresAt.IsZero() {
		return -1 * time.Nanosecond, nil
	}
	return item.expiresAt.Sub(m.now()), nil
}

func (m *MemoryKV) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key)
	return ok, nil
}

func (m *MemoryKV) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.liveLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryKV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryKV) liveLocked(key string) (memItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return item, true
}

func parseCounter(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("value is not an integer or out of range")
	}
	return n, nil
}

// NewKV tries redis, falls back to memory.
func NewKV(ctx context.Context, client *redis.Client) KV {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisKV(client)
		}
	}
	return NewMemoryKV()
}
