package sitecache

import (
	"context"
	"fmt"
)

// NewStore returns a durable store for the requested driver.
// Caller is responsible for providing any driver-specific dependencies.
// A driver that fails to initialize yields a store returning that error on
// every call, which Cache treats as "memory-only".
//
// Example: select driver explicitly
//
//	ctx := context.Background()
//	store := sitecache.NewStore(ctx, sitecache.StoreConfig{
//		Driver:  sitecache.DriverFile,
//		FileDir: "/var/cache/site",
//	})
//	fmt.Println(store.Driver()) // file
func NewStore(ctx context.Context, cfg StoreConfig) Store {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverNull:
		return newNullStore()
	case DriverMemory:
		return newMemoryStore()
	case DriverRedis:
		return newRedisStore(cfg.RedisClient, cfg.Prefix)
	case DriverNATS:
		return newNATSStore(cfg.NATSKeyValue, cfg.Prefix)
	case DriverMemcached:
		return newMemcachedStore(cfg.MemcachedAddrs, cfg.Prefix)
	case DriverSQL:
		store, err := newSQLStore(cfg)
		if err != nil {
			return &errorStore{driver: DriverSQL, err: fmt.Errorf("open sql store: %w", err)}
		}
		return store
	case DriverDynamo:
		store, err := newDynamoStore(ctx, cfg)
		if err != nil {
			return &errorStore{driver: DriverDynamo, err: fmt.Errorf("open dynamodb store: %w", err)}
		}
		return store
	case DriverFile:
		return newFileStore(cfg.FileDir)
	default:
		return &errorStore{driver: cfg.Driver, err: fmt.Errorf("unknown cache driver %q", cfg.Driver)}
	}
}

// NewStoreWith builds a store using a driver and a set of functional options.
//
// Example: redis store (options)
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
//	store := sitecache.NewStoreWith(ctx, sitecache.DriverRedis,
//		sitecache.WithRedisClient(redisClient),
//		sitecache.WithPrefix("site"),
//	)
//	fmt.Println(store.Driver()) // redis
func NewStoreWith(ctx context.Context, driver Driver, opts ...StoreOption) Store {
	cfg := StoreConfig{Driver: driver}
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return NewStore(ctx, cfg)
}

// NewMemoryStore is a process-local durable store, mainly for tests.
func NewMemoryStore(ctx context.Context) Store {
	return NewStoreWith(ctx, DriverMemory)
}

// NewFileStore is a convenience for a filesystem-backed store.
func NewFileStore(ctx context.Context, dir string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverFile, append([]StoreOption{WithFileDir(dir)}, opts...)...)
}

// NewRedisStore is a convenience for a redis-backed store. Redis client is required.
func NewRedisStore(ctx context.Context, client RedisClient, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverRedis, append([]StoreOption{WithRedisClient(client)}, opts...)...)
}

// NewMemcachedStore is a convenience for a memcached-backed store.
func NewMemcachedStore(ctx context.Context, addrs []string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverMemcached, append([]StoreOption{WithMemcachedAddrs(addrs...)}, opts...)...)
}

// NewSQLStore is a convenience for a database/sql-backed store.
func NewSQLStore(ctx context.Context, driverName, dsn string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverSQL, append([]StoreOption{WithSQL(driverName, dsn, "")}, opts...)...)
}

// StoreErr returns the construction error of a store built by NewStore, if any.
func StoreErr(store Store) error {
	if es, ok := store.(*errorStore); ok {
		return es.err
	}
	return nil
}
