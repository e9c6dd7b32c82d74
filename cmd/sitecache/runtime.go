package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goforj/sitecache"
	"github.com/goforj/sitecache/cacheprom"
	"github.com/goforj/sitecache/snapshot"
)

func newLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console", "":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	return zc.Build()
}

// app holds the objects shared by every command.
type app struct {
	cfg    *Config
	mode   sitecache.Mode
	logger *zap.Logger

	registry *prometheus.Registry
	observer *cacheprom.Observer
	metrics  *http.Server

	cache   *sitecache.Cache
	client  *sitecache.Client
	closers []func() error
}

func newApp(ctx context.Context, cfg *Config, logger *zap.Logger) (*app, error) {
	mode, err := sitecache.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, mode: mode, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector())
	a.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.observer, err = cacheprom.New(a.registry, "sitecache")
	if err != nil {
		return nil, err
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if serr := sitecache.StoreErr(store); serr != nil {
		logger.Warn("durable store unavailable, running memory-only", zap.String("driver", cfg.Store.Driver), zap.Error(serr))
	}
	a.cache = sitecache.NewCache(store,
		sitecache.WithLogger(logger.Named("cache")),
		sitecache.WithObserver(a.observer),
	)

	opts := []sitecache.ClientOption{
		sitecache.WithMode(mode),
		sitecache.WithClientLogger(logger.Named("fetch")),
		sitecache.WithTimeouts(cfg.Fetch.DevTimeout, cfg.Fetch.ProdTimeout),
		sitecache.WithExtendedTTL(cfg.Fetch.ExtendedTTL, sitecache.PersistentKeys...),
	}
	tp, err := newTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		a.Close()
		return nil, err
	}
	if tp != nil {
		a.closers = append(a.closers, shutdownTracer(tp))
		opts = append(opts, sitecache.WithTracerProvider(tp))
	}
	if cfg.Snapshot.Fallback {
		dir, err := snapshot.Open(cfg.Snapshot.Dir)
		if err != nil {
			logger.Warn("snapshot fallback disabled", zap.String("dir", cfg.Snapshot.Dir), zap.Error(err))
		} else {
			opts = append(opts, sitecache.WithFallback(dir))
		}
	}
	a.client, err = sitecache.NewClient(a.cache, cfg.BaseURL, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildStore(ctx context.Context) (sitecache.Store, error) {
	sc := a.cfg.Store
	base := sitecache.StoreConfig{
		Driver:  sitecache.Driver(sc.Driver),
		Prefix:  sc.Prefix,
		FileDir: sc.FileDir,
	}
	switch base.Driver {
	case sitecache.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr, Password: sc.RedisPassword, DB: sc.RedisDB})
		a.closers = append(a.closers, client.Close)
		base.RedisClient = client
	case sitecache.DriverSQL:
		base.SQLDriverName = sc.SQLDriver
		base.SQLDSN = sc.SQLDSN
		base.SQLTable = sc.SQLTable
	case sitecache.DriverMemcached:
		base.MemcachedAddrs = sc.MemcachedAddrs
	case sitecache.DriverNATS:
		kv, closeFn, err := openNATSBucket(sc.NATSURL, sc.NATSBucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		base.NATSKeyValue = kv
	case sitecache.DriverDynamo:
		base.DynamoTable = sc.DynamoTable
		base.DynamoRegion = sc.DynamoRegion
		base.DynamoEndpoint = sc.DynamoEndpoint
	}
	store := sitecache.NewStore(ctx, base)
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	return store, nil
}

func openNATSBucket(url, bucket string) (nats.KeyValue, func() error, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("open bucket %q: %w", bucket, err)
	}
	return kv, func() error { nc.Close(); return nil }, nil
}

// serveMetrics exposes the registry on addr until Close.
func (a *app) serveMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return nil
}

func (a *app) Close() {
	if a.client != nil {
		_ = a.client.Close()
	} else if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Debug("close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
