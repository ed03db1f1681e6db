package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore remembers provider message IDs so webhook redeliveries do not
// produce duplicate conversation events.
type DedupeStore interface {
	// MarkSeen records the ID and reports whether it was seen before.
	MarkSeen(ctx context.Context, providerMessageID string) (seen bool, err error)
}

const dedupeKeyPrefix = "wa_seen:"

// RedisDedupe implements DedupeStore with SET NX and a TTL.
type RedisDedupe struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisDedupe(redisClient *redis.Client, ttl time.Duration) *RedisDedupe {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedupe{redis: redisClient, ttl: ttl}
}

func (d *RedisDedupe) MarkSeen(ctx context.Context, providerMessageID string) (bool, error) {
	if d == nil || d.redis == nil {
		return false, nil
	}
	set, err := d.redis.SetNX(ctx, dedupeKeyPrefix+providerMessageID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("messaging: dedupe check failed: %w", err)
	}
	return !set, nil
}

// MemoryDedupe is the in-process DedupeStore for local runs and tests.
type MemoryDedupe struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDedupe{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

func (d *MemoryDedupe) MarkSeen(_ context.Context, providerMessageID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, id)
		}
	}

	if _, ok := d.seen[providerMessageID]; ok {
		return true, nil
	}
	d.seen[providerMessageID] = now
	return false, nil
}
