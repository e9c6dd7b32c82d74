package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the CLI configuration file layout.
type Config struct {
	BaseURL  string         `yaml:"base_url"`
	Mode     string         `yaml:"mode"`
	Log      LogConfig      `yaml:"log"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FetchConfig struct {
	DevTimeout  time.Duration `yaml:"dev_timeout"`
	ProdTimeout time.Duration `yaml:"prod_timeout"`
	ExtendedTTL time.Duration `yaml:"extended_ttl"`
	RetryCount  int           `yaml:"retry_count"`
	HealthPath  string        `yaml:"health_path"`
}

type StoreConfig struct {
	Driver  string `yaml:"driver"`
	Prefix  string `yaml:"prefix"`
	FileDir string `yaml:"file_dir"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SQLDriver string `yaml:"sql_driver"`
	SQLDSN    string `yaml:"sql_dsn"`
	SQLTable  string `yaml:"sql_table"`

	MemcachedAddrs []string `yaml:"memcached_addrs"`

	NATSURL    string `yaml:"nats_url"`
	NATSBucket string `yaml:"nats_bucket"`

	DynamoTable    string `yaml:"dynamo_table"`
	DynamoRegion   string `yaml:"dynamo_region"`
	DynamoEndpoint string `yaml:"dynamo_endpoint"`
}

type SnapshotConfig struct {
	Dir string `yaml:"dir"`
	// Fallback serves snapshot files when the API and stale cache fail.
	Fallback bool `yaml:"fallback"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "http://localhost:5000")
	v.SetDefault("mode", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("fetch.dev_timeout", 10*time.Second)
	v.SetDefault("fetch.prod_timeout", 30*time.Second)
	v.SetDefault("fetch.extended_ttl", 30*time.Minute)
	v.SetDefault("fetch.retry_count", 3)
	v.SetDefault("fetch.health_path", "/api/health")
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.prefix", "sitecache")
	v.SetDefault("store.file_dir", "")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.sql_driver", "sqlite")
	v.SetDefault("store.sql_dsn", "")
	v.SetDefault("store.sql_table", "cache_entries")
	v.SetDefault("store.memcached_addrs", []string{"127.0.0.1:11211"})
	v.SetDefault("store.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("store.nats_bucket", "sitecache")
	v.SetDefault("store.dynamo_table", "sitecache_entries")
	v.SetDefault("store.dynamo_region", "us-east-1")
	v.SetDefault("store.dynamo_endpoint", "")
	v.SetDefault("snapshot.dir", "public/data")
	v.SetDefault("snapshot.fallback", false)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "sitecache")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// loadConfig reads the config from filePath, or from a "sitecache" file in
// the working directory when filePath is empty. A missing default file is
// not an error. Environment variables prefixed SITECACHE_ override file
// values, e.g. SITECACHE_STORE_DRIVER.
func loadConfig(v *viper.Viper, filePath string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("SITECACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("sitecache")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}
	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
