package sitecache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Mode selects the cache policy. Production serves stale data immediately
// and refreshes in the background; development always waits for the network
// when the fresh slot is empty.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// ParseMode accepts "production"/"prod" and "development"/"dev".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return ModeProduction, nil
	case "development", "dev", "":
		return ModeDevelopment, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

const (
	defaultDevTimeout  = 10 * time.Second
	defaultProdTimeout = 30 * time.Second
	defaultExtendedTTL = 30 * time.Minute
	maxResponseBytes   = 8 << 20
	tracerName         = "github.com/goforj/sitecache"
)

// Fallback supplies last-resort data for a cache key when the network and
// the stale slot both came up empty.
type Fallback interface {
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
}

// FetchOptions tunes a single Fetch call.
type FetchOptions struct {
	// CacheKey defaults to the request URL.
	CacheKey string
	// TTL of the fresh slot; defaults to five minutes. The stale slot lives
	// TTL times the client's stale multiplier.
	TTL time.Duration
	// Header is added to the request after the default headers.
	Header http.Header
}

// Client fetches JSON over HTTP through a Cache using stale-while-revalidate.
type Client struct {
	cache   *Cache
	http    *http.Client
	baseURL *url.URL
	mode    Mode
	logger  *zap.Logger
	tracer  trace.Tracer

	devTimeout      time.Duration
	prodTimeout     time.Duration
	defaultTTL      time.Duration
	extendedTTL     time.Duration
	extendedKeys    map[string]struct{}
	staleMultiplier int
	fallback        Fallback

	inflight  singleflight.Group
	refreshSF singleflight.Group
	refreshes sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMode sets the cache policy mode.
func WithMode(mode Mode) ClientOption {
	return func(c *Client) { c.mode = mode }
}

// WithHTTPClient replaces the HTTP client. Its own Timeout still applies on
// top of the per-mode abort timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeouts sets the abort timeouts for development and production.
func WithTimeouts(dev, prod time.Duration) ClientOption {
	return func(c *Client) {
		if dev > 0 {
			c.devTimeout = dev
		}
		if prod > 0 {
			c.prodTimeout = prod
		}
	}
}

// WithDefaultTTL sets the fresh TTL used when FetchOptions.TTL is zero.
func WithDefaultTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithExtendedTTL raises the fresh TTL of keys to at least ttl in production.
func WithExtendedTTL(ttl time.Duration, keys ...string) ClientOption {
	return func(c *Client) {
		c.extendedTTL = ttl
		c.extendedKeys = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			c.extendedKeys[k] = struct{}{}
		}
	}
}

// WithStaleMultiplier sets how many fresh TTLs the stale slot lives.
func WithStaleMultiplier(n int) ClientOption {
	return func(c *Client) {
		if n >= 1 {
			c.staleMultiplier = n
		}
	}
}

// WithFallback sets the last-resort data source, typically a static snapshot.
func WithFallback(f Fallback) ClientOption {
	return func(c *Client) { c.fallback = f }
}

// WithClientLogger sets the logger for fetch and refresh events.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracerProvider sets the OpenTelemetry provider for fetch spans.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewClient returns a client resolving relative URLs against baseURL.
// An empty baseURL requires absolute URLs on every call.
func NewClient(cache *Cache, baseURL string, opts ...ClientOption) (*Client, error) {
	if cache == nil {
		cache = NewCache(nil)
	}
	c := &Client{
		cache:           cache,
		http:            &http.Client{},
		mode:            ModeDevelopment,
		logger:          zap.NewNop(),
		tracer:          otel.Tracer(tracerName),
		devTimeout:      defaultDevTimeout,
		prodTimeout:     defaultProdTimeout,
		defaultTTL:      defaultCacheTTL,
		extendedTTL:     defaultExtendedTTL,
		extendedKeys:    make(map[string]struct{}, len(PersistentKeys)),
		staleMultiplier: defaultStaleMultiplier,
	}
	for _, k := range PersistentKeys {
		c.extendedKeys[k] = struct{}{}
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url %q must be absolute", baseURL)
		}
		c.baseURL = u
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cache returns the cache the client reads and writes.
func (c *Client) Cache() *Cache { return c.cache }

// Mode returns the configured mode.
func (c *Client) Mode() Mode { return c.mode }

// BaseURL returns the configured base URL, or "".
func (c *Client) BaseURL() string {
	if c.baseURL == nil {
		return ""
	}
	return c.baseURL.String()
}

// Fetch returns the JSON body for rawURL using the cache.
//
// A fresh entry is returned without touching the network. In production a
// stale entry is returned immediately while a background refresh rewrites
// both slots. Otherwise the request runs with the mode's abort timeout and a
// successful body is stored in the fresh and stale slots. When the request
// fails the stale entry is served if there is one, then the fallback. When
// nothing can be served the error matches ErrNoData and wraps the cause.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts FetchOptions) ([]byte, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	key := opts.CacheKey
	if key == "" {
		key = rawURL
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	ctx, span := c.tracer.Start(ctx, "sitecache.Fetch", trace.WithAttributes(
		attribute.String("sitecache.key", key),
		attribute.String("url.full", target),
		attribute.String("sitecache.mode", string(c.mode)),
	))
	defer span.End()

	start := time.Now()
	if body, ok := c.cache.GetCtx(ctx, key); ok {
		c.finish(ctx, span, "fetch", key, "fresh", nil, start)
		return body, nil
	}

	stale, hasStale := c.cache.GetCtx(ctx, StaleKey(key))
	if hasStale && c.mode == ModeProduction {
		c.refreshInBackground(target, key, ttl, opts.Header)
		c.finish(ctx, span, "fetch", key, "stale", nil, start)
		return stale, nil
	}

	body, err := c.coalesce(ctx, target, key, ttl, opts.Header)
	if err == nil {
		c.finish(ctx, span, "fetch", key, "network", nil, start)
		return body, nil
	}

	if hasStale {
		c.logger.Warn("fetch failed, serving stale cache",
			zap.String("key", key), zap.String("url", target), zap.Error(err))
		c.finish(ctx, span, "fetch", key, "stale_fallback", nil, start)
		return stale, nil
	}
	if c.fallback != nil {
		body, ok, ferr := c.fallback.Lookup(ctx, key)
		if ferr != nil {
			c.logger.Warn("fallback lookup failed", zap.String("key", key), zap.Error(ferr))
		}
		if ok {
			c.logger.Warn("fetch failed, serving static fallback",
				zap.String("key", key), zap.String("url", target), zap.Error(err))
			c.finish(ctx, span, "fetch", key, "static_fallback", nil, start)
			return body, nil
		}
	}
	c.finish(ctx, span, "fetch", key, "error", err, start)
	return nil, fmt.Errorf("%w: %w", ErrNoData, err)
}

// revalidate returns the fresh entry for key or goes to the network. It
// never serves the stale slot or the fallback, so callers see the real
// failure.
func (c *Client) revalidate(ctx context.Context, rawURL string, opts FetchOptions) ([]byte, error) {
	target, err := c.resolve(rawURL)
	if err != nil {
		return nil, err
	}
	key := opts.CacheKey
	if key == "" {
		key = rawURL
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if body, ok := c.cache.GetCtx(ctx, key); ok {
		return body, nil
	}
	return c.coalesce(ctx, target, key, ttl, opts.Header)
}

// coalesce shares one network fetch between concurrent callers of key. The
// shared request runs detached from any single caller and is bounded by the
// mode timeout, so a caller that gives up only stops waiting for itself.
func (c *Client) coalesce(ctx context.Context, target, key string, ttl time.Duration, header http.Header) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	ch := c.inflight.DoChan(key, func() (any, error) {
		return c.fetchAndStore(context.WithoutCancel(ctx), target, key, ttl, header)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneBytes(res.Val.([]byte)), nil
	case <-ctx.Done():
		return nil, &NetworkError{URL: target, Err: ctx.Err()}
	}
}

// FetchJSON fetches rawURL and decodes the body into T.
func FetchJSON[T any](ctx context.Context, c *Client, rawURL string, opts FetchOptions) (T, error) {
	var out T
	body, err := c.Fetch(ctx, rawURL, opts)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, &ParseError{URL: rawURL, Err: err}
	}
	return out, nil
}

// Refresh re-fetches rawURL on a detached goroutine and rewrites both slots
// on success. The returned channel receives the outcome once and is closed.
// Refreshes of the same key are coalesced.
func (c *Client) Refresh(rawURL string, opts FetchOptions) <-chan error {
	done := make(chan error, 1)
	target, err := c.resolve(rawURL)
	if err != nil {
		done <- err
		close(done)
		return done
	}
	key := opts.CacheKey
	if key == "" {
		key = rawURL
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.startRefresh(target, key, ttl, opts.Header, done)
	return done
}

// Ping issues a best-effort GET against path and reports whether it
// answered with a 2xx status.
func (c *Client) Ping(ctx context.Context, path string) error {
	target, err := c.resolve(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &NetworkError{URL: target, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{URL: target, StatusCode: resp.StatusCode}
	}
	return nil
}

// Wait blocks until every background refresh started so far has finished.
func (c *Client) Wait() {
	c.refreshes.Wait()
}

// Close waits for background refreshes and closes the cache.
func (c *Client) Close() error {
	c.Wait()
	return c.cache.Close()
}

func (c *Client) refreshInBackground(target, key string, ttl time.Duration, header http.Header) {
	c.startRefresh(target, key, ttl, header, nil)
}

func (c *Client) startRefresh(target, key string, ttl time.Duration, header http.Header, done chan<- error) {
	c.refreshes.Add(1)
	go func() {
		defer c.refreshes.Done()
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("background refresh panic: %v", r)
				c.logger.Error("background refresh panicked", zap.String("key", key), zap.Any("panic", r))
			}
			if done != nil {
				done <- err
				close(done)
			}
		}()
		_, err, _ = c.refreshSF.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
			defer cancel()
			return c.fetchAndStore(ctx, target, key, ttl, header)
		})
		if err != nil {
			c.logger.Warn("background refresh failed", zap.String("key", key), zap.String("url", target), zap.Error(err))
			return
		}
		c.logger.Debug("background refresh stored", zap.String("key", key))
	}()
}

func (c *Client) fetchAndStore(ctx context.Context, target, key string, ttl time.Duration, header http.Header) ([]byte, error) {
	body, err := c.do(ctx, target, header)
	if err != nil {
		return nil, err
	}
	fresh := c.effectiveTTL(key, ttl)
	c.cache.SetCtx(ctx, key, body, fresh)
	c.cache.SetCtx(ctx, StaleKey(key), body, fresh*time.Duration(c.staleMultiplier))
	return body, nil
}

func (c *Client) do(ctx context.Context, target string, header http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	for name, values := range header {
		req.Header.Del(name)
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{URL: target, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{URL: target, Err: err}
	}
	return body, nil
}

func (c *Client) effectiveTTL(key string, ttl time.Duration) time.Duration {
	if c.mode != ModeProduction {
		return ttl
	}
	if _, ok := c.extendedKeys[key]; ok && c.extendedTTL > ttl {
		return c.extendedTTL
	}
	return ttl
}

func (c *Client) timeout() time.Duration {
	if c.mode == ModeProduction {
		return c.prodTimeout
	}
	return c.devTimeout
}

func (c *Client) resolve(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if c.baseURL == nil {
		return "", fmt.Errorf("relative url %q needs a base url", rawURL)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *Client) finish(ctx context.Context, span trace.Span, op, key, outcome string, err error, start time.Time) {
	span.SetAttributes(attribute.String("sitecache.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.cache.observer != nil {
		c.cache.observer.OnCacheOp(ctx, op+"_"+outcome, key, outcome != "network" && outcome != "error", err, time.Since(start), c.cache.Driver())
	}
}
