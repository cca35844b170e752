package permcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"eidos/api/internal/permission"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache, s
}

func TestNewRedisCache(t *testing.T) {
	cache, _ := setupTestRedis(t)
	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if _, err := NewRedisCache("not a url", time.Minute); err == nil {
		t.Error("expected error for invalid url")
	}
}

func TestSetAndGet(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, "bob", "res_1"); err != nil || ok {
		t.Fatalf("Get before Set = ok %v, err %v", ok, err)
	}
	if err := cache.Set(ctx, "bob", "res_1", permission.LevelEdit, 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	level, ok, err := cache.Get(ctx, "bob", "res_1")
	if err != nil || !ok || level != permission.LevelEdit {
		t.Fatalf("Get = %s, %v, %v", level, ok, err)
	}
	if _, ok, _ := cache.Get(ctx, "bob", "res_2"); ok {
		t.Fatal("entry leaked across resources")
	}
}

func TestSetCachesNoneLevel(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	if err := cache.Set(ctx, "eve", "res_1", permission.LevelNone, time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	level, ok, err := cache.Get(ctx, "eve", "res_1")
	if err != nil || !ok || level != permission.LevelNone {
		t.Fatalf("Get = %s, %v, %v", level, ok, err)
	}
}

func TestEntriesExpire(t *testing.T) {
	cache, s := setupTestRedis(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "bob", "res_1", permission.LevelView, 5*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.FastForward(6 * time.Second)
	if _, ok, _ := cache.Get(ctx, "bob", "res_1"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestTTLIsCappedAtMax(t *testing.T) {
	cache, s := setupTestRedis(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "bob", "res_1", permission.LevelView, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := s.TTL(cache.key("bob", "res_1")); ttl != time.Minute {
		t.Fatalf("ttl = %s, want 1m", ttl)
	}
}

func TestNonPositiveTTLSkipsCaching(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	if err := cache.Set(ctx, "bob", "res_1", permission.LevelView, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "bob", "res_1"); ok {
		t.Fatal("expected no entry for zero ttl")
	}
}

func TestInvalidate(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()

	for _, subject := range []string{"bob", "carol"} {
		if err := cache.Set(ctx, subject, "res_1", permission.LevelAdd, time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	if err := cache.Set(ctx, "bob", "res_2", permission.LevelAdd, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := cache.Invalidate(ctx, "bob", "res_1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "bob", "res_1"); ok {
		t.Fatal("bob/res_1 should be gone")
	}
	if _, ok, _ := cache.Get(ctx, "carol", "res_1"); !ok {
		t.Fatal("carol/res_1 should survive a single invalidation")
	}

	if err := cache.InvalidateResource(ctx, "res_1"); err != nil {
		t.Fatalf("InvalidateResource failed: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "carol", "res_1"); ok {
		t.Fatal("carol/res_1 should be gone")
	}
	if _, ok, _ := cache.Get(ctx, "bob", "res_2"); !ok {
		t.Fatal("res_2 entries should survive res_1 invalidation")
	}
	if err := cache.InvalidateResource(ctx, "res_empty"); err != nil {
		t.Fatalf("InvalidateResource on empty resource failed: %v", err)
	}
}

func TestTTLFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	soon := now.Add(10 * time.Second)
	later := now.Add(time.Hour)
	past := now.Add(-time.Second)

	cases := []struct {
		name   string
		expiry *time.Time
		want   time.Duration
	}{
		{name: "no expiry", expiry: nil, want: time.Minute},
		{name: "expiry before ttl", expiry: &soon, want: 10 * time.Second},
		{name: "expiry after ttl", expiry: &later, want: time.Minute},
		{name: "already expired", expiry: &past, want: -time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TTLFor(time.Minute, now, tc.expiry); got != tc.want {
				t.Fatalf("TTLFor() = %s, want %s", got, tc.want)
			}
		})
	}
}
