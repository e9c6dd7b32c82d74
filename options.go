package sitecache

import (
	"time"

	"go.uber.org/zap"
)

// StoreOption mutates StoreConfig when constructing a store.
type StoreOption func(StoreConfig) StoreConfig

// WithPrefix sets the key prefix for shared backends.
func WithPrefix(prefix string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.Prefix = prefix
		return cfg
	}
}

// WithFileDir sets the directory used by the file driver.
func WithFileDir(dir string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.FileDir = dir
		return cfg
	}
}

// WithRedisClient sets the redis client; required when using DriverRedis.
func WithRedisClient(client RedisClient) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.RedisClient = client
		return cfg
	}
}

// WithSQL sets the database/sql driver name, DSN and optional table.
func WithSQL(driverName, dsn, table string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.SQLDriverName = driverName
		cfg.SQLDSN = dsn
		cfg.SQLTable = table
		return cfg
	}
}

// WithMemcachedAddrs sets the memcached servers used by DriverMemcached.
func WithMemcachedAddrs(addrs ...string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.MemcachedAddrs = append([]string(nil), addrs...)
		return cfg
	}
}

// WithNATSKeyValue sets the JetStream key-value bucket; required for DriverNATS.
func WithNATSKeyValue(kv NATSKeyValue) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.NATSKeyValue = kv
		return cfg
	}
}

// WithDynamoClient injects a DynamoDB client instead of building one.
func WithDynamoClient(client DynamoAPI) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.DynamoClient = client
		return cfg
	}
}

// WithDynamoTable sets table, region and an optional endpoint override.
func WithDynamoTable(table, region, endpoint string) StoreOption {
	return func(cfg StoreConfig) StoreConfig {
		cfg.DynamoTable = table
		cfg.DynamoRegion = region
		cfg.DynamoEndpoint = endpoint
		return cfg
	}
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the logger used for storage warnings.
func WithLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source. Tests use it to advance time.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCleanupInterval sets how often the janitor drops expired entries.
// A non-positive interval disables the janitor.
func WithCleanupInterval(interval time.Duration) CacheOption {
	return func(c *Cache) {
		c.cleanupInterval = interval
	}
}

// WithPersistentKeys replaces the allowlist of keys mirrored to the store.
func WithPersistentKeys(keys ...string) CacheOption {
	return func(c *Cache) {
		c.persistentKeys = append([]string(nil), keys...)
		c.persistent = persistentSet(keys)
	}
}

// WithObserver attaches an observer to receive operation events.
func WithObserver(o Observer) CacheOption {
	return func(c *Cache) {
		c.observer = o
	}
}
