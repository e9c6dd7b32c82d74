package cachefake

import (
	"context"
	"sync"
	"testing"

	"github.com/goforj/sitecache"
)

// Op identifies a durable store operation for assertions.
type Op string

const (
	OpGet        Op = "get"
	OpSet        Op = "set"
	OpDelete     Op = "delete"
	OpDeleteMany Op = "delete_many"
)

// Fake is a cache backed by a counting in-memory durable store.
// Counts are recorded against durable keys ("cache_" + key).
type Fake struct {
	cache  *sitecache.Cache
	store  *countingStore
	counts map[Op]map[string]int
	mu     sync.Mutex
}

// New creates a Fake. Cache options are passed through.
func New(opts ...sitecache.CacheOption) *Fake {
	store := &countingStore{inner: sitecache.NewMemoryStore(context.Background())}
	f := &Fake{
		store:  store,
		counts: make(map[Op]map[string]int),
	}
	store.onCount = f.record
	opts = append([]sitecache.CacheOption{sitecache.WithCleanupInterval(0)}, opts...)
	f.cache = sitecache.NewCache(store, opts...)
	return f
}

// Cache returns the cache to inject into code under test.
func (f *Fake) Cache() *sitecache.Cache { return f.cache }

// Store returns the counting durable store.
func (f *Fake) Store() sitecache.Store { return f.store }

// Reset clears recorded counts.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[Op]map[string]int)
}

// AssertCalled verifies the durable key was touched by op the expected number of times.
func (f *Fake) AssertCalled(t *testing.T, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures the durable key was never touched by op.
func (f *Fake) AssertNotCalled(t *testing.T, op Op, key string) {
	t.Helper()
	if got := f.Count(op, key); got != 0 {
		t.Fatalf("expected %s %q not called, got %d", op, key, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (f *Fake) AssertTotal(t *testing.T, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

// Count returns calls for op+key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op][key]
}

// Total returns total calls for an op across keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int
	for _, v := range f.counts[op] {
		sum += v
	}
	return sum
}

func (f *Fake) record(op Op, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
}

type countingStore struct {
	inner   sitecache.Store
	onCount func(Op, string)
}

func (s *countingStore) Driver() sitecache.Driver { return s.inner.Driver() }

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.bump(OpGet, key)
	return s.inner.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, val []byte) error {
	s.bump(OpSet, key)
	return s.inner.Set(ctx, key, val)
}

func (s *countingStore) Delete(ctx context.Context, key string) error {
	s.bump(OpDelete, key)
	return s.inner.Delete(ctx, key)
}

func (s *countingStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		s.bump(OpDeleteMany, k)
	}
	return s.inner.DeleteMany(ctx, keys...)
}

func (s *countingStore) bump(op Op, key string) {
	if s.onCount != nil {
		s.onCount(op, key)
	}
}
