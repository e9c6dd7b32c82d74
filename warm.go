package sitecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EndpointState is the warm state of one endpoint.
type EndpointState int

const (
	StateUnfetched EndpointState = iota
	StateFetching
	StateFresh
	StateStaleFallback
	StateFailed
)

func (s EndpointState) String() string {
	switch s {
	case StateUnfetched:
		return "unfetched"
	case StateFetching:
		return "fetching"
	case StateFresh:
		return "fresh"
	case StateStaleFallback:
		return "stale_fallback"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Endpoint is an API path warmed into a cache key.
type Endpoint struct {
	Name     string
	Path     string
	CacheKey string
	TTL      time.Duration
}

// DefaultEndpoints are the site's content endpoints.
var DefaultEndpoints = []Endpoint{
	{Name: "projects", Path: "/api/projects", CacheKey: KeyProjects, TTL: 5 * time.Minute},
	{Name: "contact-details", Path: "/api/contact-details", CacheKey: KeyContactDetails, TTL: 5 * time.Minute},
	{Name: "about", Path: "/api/about", CacheKey: KeyAbout, TTL: 15 * time.Minute},
	{Name: "hero", Path: "/api/hero", CacheKey: KeyHero, TTL: 15 * time.Minute},
}

// Result is the outcome for one endpoint in a warm pass.
type Result struct {
	Endpoint Endpoint
	State    EndpointState
	Attempts int
	Err      error
}

// Report summarizes one PreCache pass.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Results   []Result
}

// Failed returns the results that ended in StateFailed.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State == StateFailed {
			out = append(out, res)
		}
	}
	return out
}

const (
	defaultRetryCount     = 3
	defaultWarmRetryCount = 2
	defaultRetryBase      = time.Second
	defaultRetryDelay     = 5 * time.Second
	defaultHealthPath     = "/api/health"
)

var defaultWarmOffsets = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Warmer pre-populates the cache for a fixed endpoint list.
type Warmer struct {
	client    *Client
	endpoints []Endpoint
	logger    *zap.Logger
	sleep     Sleeper
	now       func() time.Time

	retryBase   time.Duration
	retryDelay  time.Duration
	healthPath  string
	offsets     []time.Duration
	warmRetries int

	mu     sync.Mutex
	states map[string]EndpointState

	retries sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// WarmerOption configures a Warmer.
type WarmerOption func(*Warmer)

// WithEndpoints replaces the endpoint list.
func WithEndpoints(endpoints ...Endpoint) WarmerOption {
	return func(w *Warmer) { w.endpoints = append([]Endpoint(nil), endpoints...) }
}

// WithWarmerLogger sets the warmer logger.
func WithWarmerLogger(logger *zap.Logger) WarmerOption {
	return func(w *Warmer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithSleeper replaces the sleeper used for backoff and warm offsets.
func WithSleeper(s Sleeper) WarmerOption {
	return func(w *Warmer) {
		if s != nil {
			w.sleep = s
		}
	}
}

// WithWarmerClock sets the clock used for report timestamps and the WarmCache
// schedule.
func WithWarmerClock(now func() time.Time) WarmerOption {
	return func(w *Warmer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithRetryBase sets the backoff unit. Attempt n waits 2^n units.
func WithRetryBase(d time.Duration) WarmerOption {
	return func(w *Warmer) { w.retryBase = d }
}

// WithRetryDelay sets how long failed endpoints wait before the scheduled
// background retry.
func WithRetryDelay(d time.Duration) WarmerOption {
	return func(w *Warmer) { w.retryDelay = d }
}

// WithHealthPath sets the path pinged by WarmCache. Empty disables the ping.
func WithHealthPath(path string) WarmerOption {
	return func(w *Warmer) { w.healthPath = path }
}

// WithWarmSchedule sets the WarmCache pass offsets and the retry budget of
// each pass.
func WithWarmSchedule(retries int, offsets ...time.Duration) WarmerOption {
	return func(w *Warmer) {
		if retries > 0 {
			w.warmRetries = retries
		}
		if len(offsets) > 0 {
			w.offsets = append([]time.Duration(nil), offsets...)
		}
	}
}

// NewWarmer returns a warmer for client using DefaultEndpoints.
func NewWarmer(client *Client, opts ...WarmerOption) *Warmer {
	w := &Warmer{
		client:      client,
		endpoints:   append([]Endpoint(nil), DefaultEndpoints...),
		logger:      zap.NewNop(),
		sleep:       sleepCtx,
		now:         time.Now,
		retryBase:   defaultRetryBase,
		retryDelay:  defaultRetryDelay,
		healthPath:  defaultHealthPath,
		offsets:     append([]time.Duration(nil), defaultWarmOffsets...),
		warmRetries: defaultWarmRetryCount,
		states:      make(map[string]EndpointState),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, ep := range w.endpoints {
		w.states[ep.Name] = StateUnfetched
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w
}

// Endpoints returns the configured endpoints.
func (w *Warmer) Endpoints() []Endpoint {
	return append([]Endpoint(nil), w.endpoints...)
}

// State returns the current state of the named endpoint.
func (w *Warmer) State(name string) EndpointState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[name]
}

// PreCache fetches every endpoint in parallel. Each endpoint gets up to
// retryCount attempts with exponential backoff between them. Endpoints that
// end up failed are retried once more in the background after the retry
// delay.
//
// The returned error is non-nil only when ctx ends the pass early.
func (w *Warmer) PreCache(ctx context.Context, retryCount int) (Report, error) {
	if retryCount < 1 {
		retryCount = defaultRetryCount
	}
	report := Report{RunID: uuid.NewString(), StartedAt: w.now()}
	results := make([]Result, len(w.endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range w.endpoints {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = w.warmOne(gctx, ep, retryCount)
			return gctx.Err()
		})
	}
	err := g.Wait()

	report.Results = results
	report.Duration = w.now().Sub(report.StartedAt)
	for _, res := range report.Failed() {
		w.scheduleRetry(res.Endpoint)
	}
	w.logger.Info("cache warm pass finished",
		zap.String("run_id", report.RunID),
		zap.Int("endpoints", len(results)),
		zap.Int("failed", len(report.Failed())),
		zap.Duration("duration", report.Duration),
	)
	return report, err
}

// WarmCache runs PreCache at each warm offset after a best-effort health
// ping. Offsets are measured from the first pass, so a slow pass
// delays the next one only when it overruns that pass's offset. It does
// nothing outside production and returns the last report.
func (w *Warmer) WarmCache(ctx context.Context) (Report, error) {
	if w.client.Mode() != ModeProduction {
		return Report{}, nil
	}
	if w.healthPath != "" {
		if err := w.client.Ping(ctx, w.healthPath); err != nil {
			w.logger.Debug("health ping failed", zap.String("path", w.healthPath), zap.Error(err))
		}
	}
	var last Report
	start := w.now()
	for _, offset := range w.offsets {
		if wait := offset - w.now().Sub(start); wait > 0 {
			if err := w.sleep(ctx, wait); err != nil {
				return last, err
			}
		}
		report, err := w.PreCache(ctx, w.warmRetries)
		last = report
		if err != nil {
			return last, err
		}
	}
	return last, nil
}

// Wait blocks until scheduled retries have finished.
func (w *Warmer) Wait() {
	w.retries.Wait()
}

// Close cancels pending scheduled retries and waits for them.
func (w *Warmer) Close() error {
	w.cancel()
	w.retries.Wait()
	return nil
}

func (w *Warmer) warmOne(ctx context.Context, ep Endpoint, retryCount int) Result {
	res := Result{Endpoint: ep}
	w.setState(ep.Name, StateFetching)
	opts := FetchOptions{CacheKey: ep.CacheKey, TTL: ep.TTL}

	for attempt := 0; attempt < retryCount; attempt++ {
		res.Attempts++
		_, err := w.client.revalidate(ctx, ep.Path, opts)
		if err == nil {
			res.State, res.Err = StateFresh, nil
			w.setState(ep.Name, StateFresh)
			return res
		}
		res.Err = err
		w.logger.Debug("warm attempt failed",
			zap.String("endpoint", ep.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt == retryCount-1 {
			break
		}
		if serr := w.sleep(ctx, w.backoff(attempt)); serr != nil {
			res.Err = errors.Join(err, serr)
			break
		}
	}

	res.State = w.settle(ctx, ep)
	if res.State == StateStaleFallback {
		w.logger.Warn("warm failed, stale cache kept", zap.String("endpoint", ep.Name), zap.Error(res.Err))
	} else {
		w.logger.Warn("warm failed", zap.String("endpoint", ep.Name), zap.Error(res.Err))
	}
	return res
}

// settle records the terminal state after the last failed attempt.
func (w *Warmer) settle(ctx context.Context, ep Endpoint) EndpointState {
	state := StateFailed
	if _, ok := w.client.Cache().GetCtx(ctx, StaleKey(ep.CacheKey)); ok {
		state = StateStaleFallback
	}
	w.setState(ep.Name, state)
	return state
}

func (w *Warmer) scheduleRetry(ep Endpoint) {
	w.retries.Add(1)
	go func() {
		defer w.retries.Done()
		if err := w.sleep(w.ctx, w.retryDelay); err != nil {
			return
		}
		w.setState(ep.Name, StateFetching)
		err := <-w.client.Refresh(ep.Path, FetchOptions{CacheKey: ep.CacheKey, TTL: ep.TTL})
		if err == nil {
			w.setState(ep.Name, StateFresh)
			w.logger.Info("scheduled retry warmed endpoint", zap.String("endpoint", ep.Name))
			return
		}
		state := w.settle(w.ctx, ep)
		w.logger.Warn("scheduled retry failed",
			zap.String("endpoint", ep.Name),
			zap.Stringer("state", state),
			zap.Error(err),
		)
	}()
}

func (w *Warmer) backoff(attempt int) time.Duration {
	return (1 << attempt) * w.retryBase
}

func (w *Warmer) setState(name string, state EndpointState) {
	w.mu.Lock()
	w.states[name] = state
	w.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
