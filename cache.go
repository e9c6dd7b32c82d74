package sitecache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Cache is a TTL key-value cache held in memory, with a durable mirror for
// an allowlist of persistent keys.
//
// Memory is authoritative while the process runs. The durable Store is
// best-effort: its failures are logged and the cache keeps working as a
// memory-only cache.
type Cache struct {
	store    Store
	items    *gocache.Cache
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	persistentKeys  []string
	persistent      map[string]struct{}
	cleanupInterval time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewCache creates a cache mirroring persistent keys into store.
// A nil store makes the cache memory-only.
//
// Example: memory and file mirror
//
//	ctx := context.Background()
//	c := sitecache.NewCache(sitecache.NewFileStore(ctx, "/tmp/sitecache"))
//	defer c.Close()
//	c.Set("hero-content", []byte(`{"name":"Ada"}`), 15*time.Minute)
//	body, ok := c.Get("hero-content")
//	fmt.Println(ok, string(body)) // true {"name":"Ada"}
func NewCache(store Store, opts ...CacheOption) *Cache {
	if store == nil {
		store = newNullStore()
	}
	c := &Cache{
		store:           store,
		items:           gocache.New(gocache.NoExpiration, 0),
		logger:          zap.NewNop(),
		now:             time.Now,
		persistentKeys:  append([]string(nil), PersistentKeys...),
		persistent:      persistentSet(PersistentKeys),
		cleanupInterval: defaultCleanupInterval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cleanupInterval > 0 {
		go c.janitor(c.cleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

// Store returns the durable store.
func (c *Cache) Store() Store {
	return c.store
}

// Driver reports the durable store driver.
func (c *Cache) Driver() Driver {
	return c.store.Driver()
}

// IsPersistent reports whether key is mirrored to the durable store.
func (c *Cache) IsPersistent(key string) bool {
	_, ok := c.persistent[key]
	return ok
}

// Set stores data under key for ttl. A non-positive ttl uses the default
// of five minutes.
func (c *Cache) Set(key string, data []byte, ttl time.Duration) {
	c.SetCtx(context.Background(), key, data, ttl)
}

func (c *Cache) SetCtx(ctx context.Context, key string, data []byte, ttl time.Duration) {
	start := time.Now()
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	entry := newEntry(data, c.now(), ttl)
	c.items.Set(key, entry, gocache.NoExpiration)
	var err error
	if c.IsPersistent(key) {
		err = c.persist(ctx, key, entry)
	}
	c.observe(ctx, "set", key, false, err, start)
}

// Get returns the data stored under key while it is unexpired.
//
// An expired entry is evicted on read. On a memory miss, persistent keys get
// one load attempt from the durable store; the loaded entry is promoted when
// it is still valid or when key is a stale slot.
func (c *Cache) Get(key string) ([]byte, bool) {
	return c.GetCtx(context.Background(), key)
}

func (c *Cache) GetCtx(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	entry, ok := c.lookup(ctx, key)
	c.observe(ctx, "get", key, ok, nil, start)
	if !ok {
		return nil, false
	}
	return cloneBytes(entry.Data), true
}

// Entry returns the full entry for key using Get semantics.
func (c *Cache) Entry(key string) (Entry, bool) {
	entry, ok := c.lookup(context.Background(), key)
	if !ok {
		return Entry{}, false
	}
	entry.Data = cloneBytes(entry.Data)
	return entry, true
}

// Delete removes key from memory and from durable storage.
func (c *Cache) Delete(key string) {
	c.DeleteCtx(context.Background(), key)
}

func (c *Cache) DeleteCtx(ctx context.Context, key string) {
	start := time.Now()
	err := c.remove(ctx, key)
	c.observe(ctx, "delete", key, false, err, start)
}

// Clear empties memory and removes the allowlisted keys from durable
// storage. Other durable keys are left alone; non-persistent keys never
// reach the store.
func (c *Cache) Clear() {
	c.ClearCtx(context.Background())
}

func (c *Cache) ClearCtx(ctx context.Context) {
	start := time.Now()
	c.items.Flush()
	keys := make([]string, 0, len(c.persistent))
	for key := range c.persistent {
		keys = append(keys, durableKey(key))
	}
	sort.Strings(keys)
	var err error
	if storeErr := c.store.DeleteMany(ctx, keys...); storeErr != nil {
		err = c.storageFailure("clear", "*", storeErr)
	}
	c.observe(ctx, "clear", "", false, err, start)
}

// Cleanup drops every expired entry from memory and returns how many were
// removed. Durable copies are untouched so stale slots survive.
func (c *Cache) Cleanup() int {
	start := time.Now()
	now := c.now()
	removed := 0
	for key, item := range c.items.Items() {
		entry, ok := item.Object.(Entry)
		if !ok || entry.Expired(now) {
			c.items.Delete(key)
			removed++
		}
	}
	c.observe(context.Background(), "cleanup", "", removed > 0, nil, start)
	return removed
}

// Len returns the number of entries held in memory, expired ones included.
func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Close stops the janitor. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
	return nil
}

func (c *Cache) lookup(ctx context.Context, key string) (Entry, bool) {
	now := c.now()
	if item, found := c.items.Get(key); found {
		entry, ok := item.(Entry)
		if ok && !entry.Expired(now) {
			return entry, true
		}
		_ = c.remove(ctx, key)
		return Entry{}, false
	}
	if !c.IsPersistent(key) {
		return Entry{}, false
	}
	entry, ok := c.load(ctx, key)
	if !ok {
		return Entry{}, false
	}
	if entry.Expired(now) && !IsStaleKey(key) {
		_ = c.deleteDurable(ctx, key)
		return Entry{}, false
	}
	c.items.Set(key, entry, gocache.NoExpiration)
	return entry, true
}

func (c *Cache) load(ctx context.Context, key string) (Entry, bool) {
	start := time.Now()
	body, ok, err := c.store.Get(ctx, durableKey(key))
	if err != nil {
		err = c.storageFailure("get", key, err)
		c.observe(ctx, "load", key, false, err, start)
		return Entry{}, false
	}
	if !ok {
		c.observe(ctx, "load", key, false, nil, start)
		return Entry{}, false
	}
	entry, err := decodeEntry(body)
	if err != nil {
		err = c.storageFailure("decode", key, err)
		_ = c.deleteDurable(ctx, key)
		c.observe(ctx, "load", key, false, err, start)
		return Entry{}, false
	}
	c.observe(ctx, "load", key, true, nil, start)
	return entry, true
}

func (c *Cache) persist(ctx context.Context, key string, entry Entry) error {
	body, err := encodeEntry(entry)
	if err != nil {
		return c.storageFailure("encode", key, err)
	}
	if err := c.store.Set(ctx, durableKey(key), body); err != nil {
		return c.storageFailure("set", key, err)
	}
	return nil
}

func (c *Cache) remove(ctx context.Context, key string) error {
	c.items.Delete(key)
	if !c.IsPersistent(key) {
		return nil
	}
	return c.deleteDurable(ctx, key)
}

func (c *Cache) deleteDurable(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, durableKey(key)); err != nil {
		return c.storageFailure("delete", key, err)
	}
	return nil
}

func (c *Cache) storageFailure(op, key string, err error) error {
	serr := &StorageError{Op: op, Key: key, Driver: c.store.Driver(), Err: err}
	c.logger.Warn("durable cache storage failed, continuing in memory",
		zap.String("op", op),
		zap.String("key", key),
		zap.String("driver", string(serr.Driver)),
		zap.Error(err),
	)
	return serr
}

func (c *Cache) observe(ctx context.Context, op, key string, hit bool, err error, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.OnCacheOp(ctx, op, key, hit, err, time.Since(start), c.Driver())
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON[T any](c *Cache, key string, value T, ttl time.Duration) error {
	return SetJSONCtx(context.Background(), c, key, value, ttl)
}

// SetJSONCtx is the context-aware variant of SetJSON.
func SetJSONCtx[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.SetCtx(ctx, key, body, ttl)
	return nil
}

// GetJSON decodes the value under key into T when present.
func GetJSON[T any](c *Cache, key string) (T, bool, error) {
	return GetJSONCtx[T](context.Background(), c, key)
}

// GetJSONCtx is the context-aware variant of GetJSON.
func GetJSONCtx[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T
	body, ok := c.GetCtx(ctx, key)
	if !ok {
		return zero, false, nil
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return zero, false, err
	}
	return out, true, nil
}
