package cachetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goforj/sitecache"
)

// Options configures shared store contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// NullSemantics enables relaxed expectations for the null store.
	NullSemantics bool
	// SkipCloneCheck disables the "get returns a cloned value" assertion.
	SkipCloneCheck bool
	// SkipCacheRoundTrip disables the check that a second Cache over the
	// same store sees persistent keys written by the first.
	SkipCacheRoundTrip bool
}

// RunStoreContract runs a backend-agnostic store contract suite.
func RunStoreContract(t *testing.T, store sitecache.Store, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	// Set/Get round-trip.
	if err := store.Set(ctx, key("alpha"), []byte("value")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := store.Get(ctx, key("alpha"))
	if err != nil {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if opts.NullSemantics {
		if ok {
			t.Fatalf("expected miss for null semantics")
		}
	} else {
		if !ok || string(body) != "value" {
			t.Fatalf("unexpected get result: ok=%v body=%q", ok, string(body))
		}
		if !opts.SkipCloneCheck {
			body[0] = 'X'
			body2, ok2, err2 := store.Get(ctx, key("alpha"))
			if err2 != nil || !ok2 || string(body2) != "value" {
				t.Fatalf("expected stored value unchanged, got ok=%v body=%q err=%v", ok2, string(body2), err2)
			}
		}
	}

	// Last write wins.
	if err := store.Set(ctx, key("alpha"), []byte("second")); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if !opts.NullSemantics {
		body, ok, err = store.Get(ctx, key("alpha"))
		if err != nil || !ok || string(body) != "second" {
			t.Fatalf("expected overwrite, got ok=%v body=%q err=%v", ok, string(body), err)
		}
	}

	// Missing keys miss without error.
	if _, ok, err := store.Get(ctx, key("missing")); err != nil || ok {
		t.Fatalf("expected clean miss; ok=%v err=%v", ok, err)
	}

	// Stale-slot style keys survive the backend's key encoding.
	stale := key(sitecache.StaleKey("cache_hero-content"))
	if err := store.Set(ctx, stale, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("set stale failed: %v", err)
	}
	if !opts.NullSemantics {
		if body, ok, err := store.Get(ctx, stale); err != nil || !ok || string(body) != `{"n":1}` {
			t.Fatalf("unexpected stale get: ok=%v body=%q err=%v", ok, string(body), err)
		}
	}

	// Delete and DeleteMany.
	for _, k := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, key(k), []byte(k)); err != nil {
			t.Fatalf("set %s failed: %v", k, err)
		}
	}
	if err := store.Delete(ctx, key("a")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Delete(ctx, key("never-set")); err != nil {
		t.Fatalf("delete of missing key failed: %v", err)
	}
	if err := store.DeleteMany(ctx, key("b"), key("c"), key("never-set")); err != nil {
		t.Fatalf("delete many failed: %v", err)
	}
	if err := store.DeleteMany(ctx); err != nil {
		t.Fatalf("empty delete many failed: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if _, ok, err := store.Get(ctx, key(k)); err != nil || ok {
			t.Fatalf("expected key %s deleted; ok=%v err=%v", k, ok, err)
		}
	}
	_ = store.DeleteMany(ctx, key("alpha"), stale)

	if !opts.NullSemantics && !opts.SkipCacheRoundTrip {
		runCacheRoundTrip(t, store)
	}
}

func runCacheRoundTrip(t *testing.T, store sitecache.Store) {
	t.Helper()

	first := sitecache.NewCache(store, sitecache.WithCleanupInterval(0))
	first.Set(sitecache.KeyHero, []byte(`{"name":"Ada"}`), time.Hour)
	first.Set("scratch", []byte(`1`), time.Hour)
	_ = first.Close()

	second := sitecache.NewCache(store, sitecache.WithCleanupInterval(0))
	defer second.Close()
	body, ok := second.Get(sitecache.KeyHero)
	if !ok || string(body) != `{"name":"Ada"}` {
		t.Fatalf("expected persistent key to survive a new cache, got ok=%v body=%q", ok, string(body))
	}
	if _, ok := second.Get("scratch"); ok {
		t.Fatalf("expected non-persistent key to stay in memory only")
	}
	second.Clear()
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
