package sitecache

import (
	"os"
	"path/filepath"
	"time"
)

const (
	defaultCachePrefix     = "sitecache"
	defaultCacheTTL        = 5 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
	defaultStaleMultiplier = 12
	defaultSQLTable        = "cache_entries"
	defaultDynamoTable     = "sitecache_entries"
	defaultDynamoRegion    = "us-east-1"
)

func defaultFileDir() string {
	return filepath.Join(os.TempDir(), "sitecache")
}

// StoreConfig controls how a durable Store is constructed.
type StoreConfig struct {
	Driver Driver

	// Prefix is used by shared backends (redis keys, sql rows, nats keys).
	Prefix string

	// FileDir controls where the file driver keeps entries.
	FileDir string

	// RedisClient is required when DriverRedis is used.
	RedisClient RedisClient

	// SQLDriverName is one of "pgx", "postgres", "mysql", "sqlite".
	SQLDriverName string
	SQLDSN        string
	SQLTable      string

	// MemcachedAddrs lists memcached servers; defaults to 127.0.0.1:11211.
	MemcachedAddrs []string

	// NATSKeyValue is required when DriverNATS is used.
	NATSKeyValue NATSKeyValue

	// DynamoClient is optional; a client is built from region/endpoint otherwise.
	DynamoClient   DynamoAPI
	DynamoEndpoint string
	DynamoRegion   string
	DynamoTable    string
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Driver == "" {
		c.Driver = DriverFile
	}
	if c.Prefix == "" {
		c.Prefix = defaultCachePrefix
	}
	if c.FileDir == "" {
		c.FileDir = defaultFileDir()
	}
	if c.SQLTable == "" {
		c.SQLTable = defaultSQLTable
	}
	if c.DynamoTable == "" {
		c.DynamoTable = defaultDynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = defaultDynamoRegion
	}
	return c
}
