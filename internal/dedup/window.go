package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Window is a set of keys that expire after a TTL. Reserve is atomic:
// exactly one caller gets fresh=true for a key within its TTL, and every
// caller learns which owner holds it.
type Window interface {
	Reserve(ctx context.Context, key, owner string, ttl time.Duration) (holder string, fresh bool, err error)
	Forget(ctx context.Context, key string) error
}

const reserveAttempts = 3

var errReserveContention = errors.New("dedup: reservation kept expiring")

// RedisWindow shares reservations across instances.
type RedisWindow struct {
	redis  *redis.Client
	prefix string
	tracer trace.Tracer
}

// NewRedisWindow namespaces keys under prefix.
func NewRedisWindow(client *redis.Client, prefix string) *RedisWindow {
	if client == nil {
		panic("dedup: redis client cannot be nil")
	}
	return &RedisWindow{redis: client, prefix: prefix, tracer: otel.Tracer("flightdesk.internal.dedup")}
}

func (w *RedisWindow) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	ctx, span := w.tracer.Start(ctx, "dedup.reserve")
	defer span.End()

	full := w.prefix + key
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		ok, err := w.redis.SetNX(ctx, full, owner, ttl).Result()
		if err != nil {
			span.RecordError(err)
			return "", false, fmt.Errorf("dedup: reserve: %w", err)
		}
		if ok {
			return owner, true, nil
		}
		holder, err := w.redis.Get(ctx, full).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			return "", false, fmt.Errorf("dedup: read reservation: %w", err)
		}
		return holder, false, nil
	}
	return "", false, errReserveContention
}

func (w *RedisWindow) Forget(ctx context.Context, key string) error {
	if err := w.redis.Del(ctx, w.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup: forget: %w", err)
	}
	return nil
}

// MemoryWindow is the single-instance fallback, bounded in size.
type MemoryWindow struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, memoryEntry]
}

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryWindow keeps at most capacity keys. Entries live for the TTL
// given to Reserve; maxTTL bounds how long the cache itself retains them.
func NewMemoryWindow(capacity int, maxTTL time.Duration) *MemoryWindow {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryWindow{entries: expirable.NewLRU[string, memoryEntry](capacity, nil, maxTTL)}
}

func (w *MemoryWindow) Reserve(_ context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if e, ok := w.entries.Get(key); ok && now.Before(e.expiresAt) {
		return e.owner, false, nil
	}
	w.entries.Add(key, memoryEntry{owner: owner, expiresAt: now.Add(ttl)})
	return owner, true, nil
}

func (w *MemoryWindow) Forget(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries.Remove(key)
	return nil
}
