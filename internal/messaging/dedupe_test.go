package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryDedupe(t *testing.T) {
	d := NewMemoryDedupe(time.Minute)
	ctx := context.Background()

	seen, err := d.MarkSeen(ctx, "wamid-1")
	if err != nil || seen {
		t.Fatalf("first sighting must be new: seen=%v err=%v", seen, err)
	}
	seen, err = d.MarkSeen(ctx, "wamid-1")
	if err != nil || !seen {
		t.Fatalf("second sighting must be a duplicate: seen=%v err=%v", seen, err)
	}
	seen, _ = d.MarkSeen(ctx, "wamid-2")
	if seen {
		t.Fatal("different id must be new")
	}
}

func TestMemoryDedupeExpires(t *testing.T) {
	d := NewMemoryDedupe(10 * time.Millisecond)
	ctx := context.Background()

	_, _ = d.MarkSeen(ctx, "wamid-1")
	time.Sleep(20 * time.Millisecond)

	seen, err := d.MarkSeen(ctx, "wamid-1")
	if err != nil || seen {
		t.Fatalf("expired id must count as new: seen=%v err=%v", seen, err)
	}
}

func TestRedisDedupe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	d := NewRedisDedupe(client, time.Hour)
	ctx := context.Background()

	seen, err := d.MarkSeen(ctx, "wamid-1")
	if err != nil || seen {
		t.Fatalf("first sighting must be new: seen=%v err=%v", seen, err)
	}
	seen, err = d.MarkSeen(ctx, "wamid-1")
	if err != nil || !seen {
		t.Fatalf("second sighting must be a duplicate: seen=%v err=%v", seen, err)
	}

	if ttl := mr.TTL(dedupeKeyPrefix + "wamid-1"); ttl != time.Hour {
		t.Fatalf("expected 1h TTL on dedupe key, got %v", ttl)
	}
}

func TestRedisDedupeSurfacesErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	d := NewRedisDedupe(client, time.Hour)

	mr.Close()
	if _, err := d.MarkSeen(context.Background(), "wamid-1"); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}
