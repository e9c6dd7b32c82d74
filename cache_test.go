package sitecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, store Store, clock *fakeClock, opts ...CacheOption) *Cache {
	t.Helper()
	base := []CacheOption{WithCleanupInterval(0)}
	if clock != nil {
		base = append(base, WithClock(clock.Now))
	}
	c := NewCache(store, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCacheSetGetRoundTrip(t *testing.T) {
	c := newTestCache(t, nil, nil)
	c.Set("k", []byte(`{"a":1}`), time.Minute)

	body, ok := c.Get("k")
	if !ok || string(body) != `{"a":1}` {
		t.Fatalf("unexpected get: ok=%v body=%q", ok, string(body))
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestCacheGetReturnsCopy(t *testing.T) {
	c := newTestCache(t, nil, nil)
	c.Set("k", []byte(`"abc"`), time.Minute)
	body, _ := c.Get("k")
	body[1] = 'X'
	again, _ := c.Get("k")
	if string(again) != `"abc"` {
		t.Fatalf("expected stored value unchanged, got %q", string(again))
	}
}

func TestCacheHeroContentExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, NewMemoryStore(context.Background()), clock)

	c.Set(KeyHero, []byte(`{"name":"X"}`), 900*time.Second)
	clock.Advance(900 * time.Second)
	if body, ok := c.Get(KeyHero); !ok || string(body) != `{"name":"X"}` {
		t.Fatalf("expected hero content at the expiry boundary, ok=%v body=%q", ok, string(body))
	}
	clock.Advance(time.Second)
	if _, ok := c.Get(KeyHero); ok {
		t.Fatalf("expected hero content expired after 901s")
	}
}

func TestCacheExpiredGetIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, NewMemoryStore(context.Background()), clock)

	c.Set(KeyProjects, []byte(`[]`), time.Second)
	clock.Advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		if _, ok := c.Get(KeyProjects); ok {
			t.Fatalf("get %d: expected miss for expired key", i)
		}
	}
}

func TestCacheDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, nil, clock)
	c.Set("k", []byte(`1`), 0)

	entry, ok := c.Entry("k")
	if !ok {
		t.Fatalf("expected entry")
	}
	if got := time.Duration(entry.Expiry-entry.Timestamp) * time.Millisecond; got != defaultCacheTTL {
		t.Fatalf("expected default ttl %s, got %s", defaultCacheTTL, got)
	}
}

func TestCacheEntryExposesTimestamps(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, nil, clock)
	c.Set("k", []byte(`true`), time.Minute)

	entry, ok := c.Entry("k")
	if !ok {
		t.Fatalf("expected entry")
	}
	if entry.Timestamp != clock.Now().UnixMilli() {
		t.Fatalf("unexpected timestamp %d", entry.Timestamp)
	}
	if entry.Expiry != clock.Now().Add(time.Minute).UnixMilli() {
		t.Fatalf("unexpected expiry %d", entry.Expiry)
	}
	clock.Advance(10 * time.Second)
	if age := entry.Age(clock.Now()); age != 10*time.Second {
		t.Fatalf("unexpected age %s", age)
	}
}

func TestCachePersistentKeysSurviveRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)

	first := newTestCache(t, store, nil)
	first.Set(KeyContactDetails, []byte(`{"email":"a@b.c"}`), time.Hour)
	first.Set(StaleKey(KeyContactDetails), []byte(`{"email":"a@b.c"}`), 12*time.Hour)
	_ = first.Close()

	second := newTestCache(t, store, nil)
	for _, key := range []string{KeyContactDetails, StaleKey(KeyContactDetails)} {
		body, ok := second.Get(key)
		if !ok || string(body) != `{"email":"a@b.c"}` {
			t.Fatalf("%s: expected durable round trip, ok=%v body=%q", key, ok, string(body))
		}
	}
}

func TestCacheNonPersistentKeyStaysInMemory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	c := newTestCache(t, store, nil)

	c.Set("weather", []byte(`{"sky":"clear"}`), time.Hour)
	c.Set("projects-list-v2", []byte(`[]`), time.Hour)
	for _, key := range []string{"weather", "projects-list-v2"} {
		if _, ok, err := store.Get(ctx, durableKey(key)); err != nil || ok {
			t.Fatalf("%s: expected no durable copy, ok=%v err=%v", key, ok, err)
		}
	}
}

func TestCacheIsPersistentUsesExactMatch(t *testing.T) {
	c := newTestCache(t, nil, nil)
	cases := map[string]bool{
		KeyProjects:                true,
		StaleKey(KeyHero):          true,
		"my-hero-content":          false,
		"projects-list-v2":         false,
		StaleKey("projects-list2"): false,
		"":                         false,
	}
	for key, want := range cases {
		if got := c.IsPersistent(key); got != want {
			t.Fatalf("IsPersistent(%q)=%v want %v", key, got, want)
		}
	}
}

func TestWithPersistentKeysReplacesAllowlist(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	c := newTestCache(t, store, nil, WithPersistentKeys("resume-status"))

	c.Set("resume-status", []byte(`{"hasResume":true}`), time.Hour)
	c.Set(KeyHero, []byte(`{}`), time.Hour)
	if _, ok, _ := store.Get(ctx, durableKey("resume-status")); !ok {
		t.Fatalf("expected custom persistent key to be mirrored")
	}
	if _, ok, _ := store.Get(ctx, durableKey(KeyHero)); ok {
		t.Fatalf("expected default key to stay in memory with a custom allowlist")
	}
}

func TestCacheExpiredDurableEntryIsDeletedOnLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	clock := newFakeClock()

	first := newTestCache(t, store, clock)
	first.Set(KeyAbout, []byte(`{"bio":"hi"}`), time.Minute)

	clock.Advance(2 * time.Minute)
	second := newTestCache(t, store, clock)
	if _, ok := second.Get(KeyAbout); ok {
		t.Fatalf("expected expired durable entry to miss")
	}
	if _, ok, _ := store.Get(ctx, durableKey(KeyAbout)); ok {
		t.Fatalf("expected expired durable entry to be deleted")
	}
}

func TestCacheExpiredStaleSlotIsPromotedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	clock := newFakeClock()

	first := newTestCache(t, store, clock)
	first.Set(StaleKey(KeyAbout), []byte(`{"bio":"old"}`), time.Minute)

	clock.Advance(2 * time.Minute)
	second := newTestCache(t, store, clock)
	body, ok := second.Get(StaleKey(KeyAbout))
	if !ok || string(body) != `{"bio":"old"}` {
		t.Fatalf("expected stale slot promoted from durable storage, ok=%v body=%q", ok, string(body))
	}
	if _, ok := second.Get(StaleKey(KeyAbout)); ok {
		t.Fatalf("expected promoted expired stale slot to miss on the next read")
	}
}

func TestCacheCorruptDurableEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	if err := store.Set(ctx, durableKey(KeyHero), []byte("not json")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	c := newTestCache(t, store, nil)
	if _, ok := c.Get(KeyHero); ok {
		t.Fatalf("expected corrupt durable entry to miss")
	}
	if _, ok, _ := store.Get(ctx, durableKey(KeyHero)); ok {
		t.Fatalf("expected corrupt durable entry to be removed")
	}
}

func TestCacheStorageFailureIsSwallowed(t *testing.T) {
	core, logs := zapobserver.New(zapcore.WarnLevel)
	store := &errorStore{driver: DriverRedis, err: errors.New("quota exceeded")}
	c := newTestCache(t, store, nil, WithLogger(zap.New(core)))

	c.Set(KeyProjects, []byte(`[1]`), time.Minute)
	body, ok := c.Get(KeyProjects)
	if !ok || string(body) != `[1]` {
		t.Fatalf("expected memory-only operation, ok=%v body=%q", ok, string(body))
	}
	if _, ok := c.Get(KeyHero); ok {
		t.Fatalf("expected miss when durable load fails")
	}
	c.Delete(KeyProjects)
	c.Clear()

	warnings := logs.FilterMessage("durable cache storage failed, continuing in memory")
	if warnings.Len() < 4 {
		t.Fatalf("expected storage failures to be logged, got %d", warnings.Len())
	}
	fields := warnings.All()[0].ContextMap()
	if fields["driver"] != string(DriverRedis) || fields["op"] != "set" {
		t.Fatalf("unexpected log fields: %v", fields)
	}
}

func TestCacheDeleteRemovesDurableCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	c := newTestCache(t, store, nil)

	c.Set(KeyHero, []byte(`{}`), time.Hour)
	c.Delete(KeyHero)
	if _, ok := c.Get(KeyHero); ok {
		t.Fatalf("expected key deleted from memory")
	}
	if _, ok, _ := store.Get(ctx, durableKey(KeyHero)); ok {
		t.Fatalf("expected key deleted from durable storage")
	}
}

func TestCacheClearRemovesOnlyAllowlistedDurableKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx)
	if err := store.Set(ctx, "cache_foreign", []byte("keep")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	c := newTestCache(t, store, nil)
	c.Set(KeyProjects, []byte(`[]`), time.Hour)
	c.Set(StaleKey(KeyProjects), []byte(`[]`), time.Hour)
	c.Set("weather", []byte(`1`), time.Hour)

	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected memory cleared, len=%d", c.Len())
	}
	for _, key := range []string{KeyProjects, StaleKey(KeyProjects)} {
		if _, ok, _ := store.Get(ctx, durableKey(key)); ok {
			t.Fatalf("expected %s cleared from durable storage", key)
		}
	}
	if body, ok, _ := store.Get(ctx, "cache_foreign"); !ok || string(body) != "keep" {
		t.Fatalf("expected foreign durable key untouched")
	}
}

func TestCacheCleanupDropsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, nil, clock)
	c.Set("short", []byte(`1`), time.Minute)
	c.Set("long", []byte(`2`), 10*time.Minute)

	clock.Advance(2 * time.Minute)
	if n := c.Cleanup(); n != 1 {
		t.Fatalf("expected 1 entry removed, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", c.Len())
	}
	if _, ok := c.Get("long"); !ok {
		t.Fatalf("expected unexpired entry kept")
	}
}

func TestCacheJanitorRunsCleanup(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(nil, WithClock(clock.Now), WithCleanupInterval(5*time.Millisecond))
	c.Set("k", []byte(`1`), time.Second)
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not evict expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestCacheObserverReceivesOps(t *testing.T) {
	var (
		mu  sync.Mutex
		ops []string
	)
	obs := ObserverFunc(func(_ context.Context, op, key string, hit bool, err error, _ time.Duration, driver Driver) {
		mu.Lock()
		defer mu.Unlock()
		if driver != DriverMemory {
			t.Errorf("unexpected driver %q", driver)
		}
		ops = append(ops, op+":"+key)
	})
	c := newTestCache(t, NewMemoryStore(context.Background()), nil, WithObserver(obs))
	c.Set("k", []byte(`1`), time.Minute)
	c.Get("k")
	c.Delete("k")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"set:k", "get:k", "delete:k"}
	if len(ops) != len(want) {
		t.Fatalf("unexpected ops %v", ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("unexpected ops %v", ops)
		}
	}
}

func TestSetJSONGetJSON(t *testing.T) {
	type hero struct {
		Name string `json:"name"`
	}
	c := newTestCache(t, nil, nil)
	if err := SetJSON(c, KeyHero, hero{Name: "Ada"}, time.Minute); err != nil {
		t.Fatalf("set json failed: %v", err)
	}
	got, ok, err := GetJSON[hero](c, KeyHero)
	if err != nil || !ok || got.Name != "Ada" {
		t.Fatalf("unexpected get json: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := GetJSON[hero](c, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
	c.Set("bad", []byte(`[1,2]`), time.Minute)
	if _, _, err := GetJSON[hero](c, "bad"); err == nil {
		t.Fatalf("expected decode error")
	}
}
