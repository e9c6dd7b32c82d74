package sitecache_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goforj/sitecache"
	"github.com/goforj/sitecache/cachefake"
)

const parkDelay = time.Hour

// sleepRecorder records every wait and keeps a fake clock that other waits
// advance. Waits of parkDelay block until the gate opens or ctx ends and do
// not move the clock; everything else returns at once.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	now   time.Time
	gate  chan struct{}
}

func newSleepRecorder() *sleepRecorder {
	return &sleepRecorder{
		now:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		gate: make(chan struct{}),
	}
}

func (s *sleepRecorder) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	if d != parkDelay {
		s.now = s.now.Add(d)
	}
	s.mu.Unlock()
	if d == parkDelay {
		select {
		case <-s.gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (s *sleepRecorder) Open() { close(s.gate) }

func (s *sleepRecorder) Backoffs() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, d := range s.waits {
		if d != parkDelay {
			out = append(out, d)
		}
	}
	return out
}

func handleAllEndpoints(api *cachefake.API) {
	api.Handle("/api/projects", http.StatusOK, `[{"id":1}]`)
	api.Handle("/api/contact-details", http.StatusOK, `{"email":"hi@site"}`)
	api.Handle("/api/about", http.StatusOK, `{"bio":"hello"}`)
	api.Handle("/api/hero", http.StatusOK, `{"name":"Ada"}`)
}

func newTestWarmer(t *testing.T, client *sitecache.Client, sleeper *sleepRecorder, opts ...sitecache.WarmerOption) *sitecache.Warmer {
	t.Helper()
	base := []sitecache.WarmerOption{
		sitecache.WithSleeper(sleeper.Sleep),
		sitecache.WithWarmerClock(sleeper.Now),
		sitecache.WithRetryDelay(parkDelay),
	}
	w := sitecache.NewWarmer(client, append(base, opts...)...)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func resultFor(t *testing.T, report sitecache.Report, name string) sitecache.Result {
	t.Helper()
	for _, res := range report.Results {
		if res.Endpoint.Name == name {
			return res
		}
	}
	t.Fatalf("no result for %s", name)
	return sitecache.Result{}
}

func TestPreCacheWarmsAllEndpoints(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	fake := cachefake.New()
	client, err := sitecache.NewClient(fake.Cache(), api.URL())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	w := newTestWarmer(t, client, newSleepRecorder())

	if got := w.State("hero"); got != sitecache.StateUnfetched {
		t.Fatalf("expected unfetched before warming, got %s", got)
	}
	report, err := w.PreCache(context.Background(), 3)
	if err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	if report.RunID == "" || len(report.Results) != 4 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, ep := range sitecache.DefaultEndpoints {
		res := resultFor(t, report, ep.Name)
		if res.State != sitecache.StateFresh || res.Attempts != 1 || res.Err != nil {
			t.Fatalf("%s: unexpected result %+v", ep.Name, res)
		}
		if w.State(ep.Name) != sitecache.StateFresh {
			t.Fatalf("%s: expected fresh state", ep.Name)
		}
		if _, ok := fake.Cache().Get(ep.CacheKey); !ok {
			t.Fatalf("%s: expected cache populated", ep.Name)
		}
		fake.AssertCalled(t, cachefake.OpSet, "cache_"+ep.CacheKey, 1)
		fake.AssertCalled(t, cachefake.OpSet, "cache_"+sitecache.StaleKey(ep.CacheKey), 1)
	}
	if len(report.Failed()) != 0 {
		t.Fatalf("expected no failures")
	}
}

func TestPreCachePermanentFailureUsesExactRetryBudget(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/hero", http.StatusInternalServerError, `{}`)
	client, _ := newTestClient(t, api)
	sleeper := newSleepRecorder()
	w := newTestWarmer(t, client, sleeper)

	report, err := w.PreCache(context.Background(), 3)
	if err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	if n := api.Calls("/api/hero"); n != 3 {
		t.Fatalf("expected exactly 3 network calls, got %d", n)
	}
	res := resultFor(t, report, "hero")
	var httpErr *sitecache.HTTPError
	if res.State != sitecache.StateFailed || res.Attempts != 3 || !errors.As(res.Err, &httpErr) {
		t.Fatalf("unexpected hero result %+v", res)
	}
	if w.State("hero") != sitecache.StateFailed {
		t.Fatalf("expected failed state, got %s", w.State("hero"))
	}
	backoffs := sleeper.Backoffs()
	if len(backoffs) != 2 || backoffs[0] != time.Second || backoffs[1] != 2*time.Second {
		t.Fatalf("unexpected backoffs %v", backoffs)
	}
	if failed := report.Failed(); len(failed) != 1 || failed[0].Endpoint.Name != "hero" {
		t.Fatalf("unexpected failed list %+v", failed)
	}
}

func TestPreCacheBackoffDoubles(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/about", http.StatusBadGateway, ``)
	client, _ := newTestClient(t, api)
	sleeper := newSleepRecorder()
	w := newTestWarmer(t, client, sleeper, sitecache.WithRetryBase(10*time.Millisecond))

	if _, err := w.PreCache(context.Background(), 4); err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	got := sleeper.Backoffs()
	if len(got) != len(want) {
		t.Fatalf("unexpected backoffs %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected backoffs %v", got)
		}
	}
}

func TestPreCacheFallsBackToStale(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/contact-details", http.StatusServiceUnavailable, ``)
	client, cache := newTestClient(t, api)
	cache.Set(sitecache.StaleKey(sitecache.KeyContactDetails), []byte(`{"email":"old@site"}`), time.Hour)
	w := newTestWarmer(t, client, newSleepRecorder())

	report, err := w.PreCache(context.Background(), 2)
	if err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	res := resultFor(t, report, "contact-details")
	if res.State != sitecache.StateStaleFallback || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if w.State("contact-details") != sitecache.StateStaleFallback {
		t.Fatalf("expected stale fallback state")
	}
	if len(report.Failed()) != 0 {
		t.Fatalf("stale fallback must not count as failed")
	}
}

func TestPreCacheProductionStaleStillHitsNetwork(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/contact-details", http.StatusServiceUnavailable, ``)
	client, cache := newTestClient(t, api, sitecache.WithMode(sitecache.ModeProduction))
	cache.Set(sitecache.StaleKey(sitecache.KeyContactDetails), []byte(`{"email":"old@site"}`), time.Hour)
	w := newTestWarmer(t, client, newSleepRecorder())

	report, err := w.PreCache(context.Background(), 3)
	if err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	res := resultFor(t, report, "contact-details")
	if res.State != sitecache.StateStaleFallback || res.Attempts != 3 || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := api.Calls("/api/contact-details"); n != 3 {
		t.Fatalf("expected every attempt to reach the network, got %d", n)
	}
}

func TestPreCacheScheduledRetryRecovers(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/hero", http.StatusInternalServerError, ``)
	client, cache := newTestClient(t, api)
	sleeper := newSleepRecorder()
	w := newTestWarmer(t, client, sleeper)

	if _, err := w.PreCache(context.Background(), 1); err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	if w.State("hero") != sitecache.StateFailed {
		t.Fatalf("expected failed before retry, got %s", w.State("hero"))
	}

	api.Handle("/api/hero", http.StatusOK, `{"name":"Back"}`)
	sleeper.Open()
	w.Wait()

	if w.State("hero") != sitecache.StateFresh {
		t.Fatalf("expected fresh after scheduled retry, got %s", w.State("hero"))
	}
	if body, ok := cache.Get(sitecache.KeyHero); !ok || string(body) != `{"name":"Back"}` {
		t.Fatalf("expected retry to populate cache, ok=%v body=%q", ok, string(body))
	}
	if n := api.Calls("/api/hero"); n != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d", n)
	}
}

func TestPreCacheScheduledRetryStillFailing(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/hero", http.StatusInternalServerError, ``)
	client, _ := newTestClient(t, api)
	sleeper := newSleepRecorder()
	sleeper.Open()
	w := newTestWarmer(t, client, sleeper)

	if _, err := w.PreCache(context.Background(), 1); err != nil {
		t.Fatalf("precache failed: %v", err)
	}
	w.Wait()
	if w.State("hero") != sitecache.StateFailed {
		t.Fatalf("expected failed after unsuccessful retry, got %s", w.State("hero"))
	}
}

func TestPreCacheCanceledContext(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	client, _ := newTestClient(t, api)
	w := newTestWarmer(t, client, newSleepRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := w.PreCache(ctx, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	for _, res := range report.Results {
		if res.Attempts != 1 || res.State != sitecache.StateFailed {
			t.Fatalf("%s: expected one attempt then stop, got %+v", res.Endpoint.Name, res)
		}
	}
}

func TestWarmCacheNoopInDevelopment(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	client, _ := newTestClient(t, api)
	w := newTestWarmer(t, client, newSleepRecorder())

	report, err := w.WarmCache(context.Background())
	if err != nil || len(report.Results) != 0 {
		t.Fatalf("expected no-op, got %+v err=%v", report, err)
	}
	if n := api.Calls("/api/hero"); n != 0 {
		t.Fatalf("expected no network calls, got %d", n)
	}
}

func TestWarmCacheRunsSchedule(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/health", http.StatusOK, `{"status":"ok"}`)
	client, _ := newTestClient(t, api, sitecache.WithMode(sitecache.ModeProduction))
	sleeper := newSleepRecorder()
	w := newTestWarmer(t, client, sleeper)

	report, err := w.WarmCache(context.Background())
	if err != nil {
		t.Fatalf("warm failed: %v", err)
	}
	if len(report.Results) != 4 {
		t.Fatalf("expected last report with 4 results, got %d", len(report.Results))
	}
	if n := api.Calls("/api/health"); n != 1 {
		t.Fatalf("expected one health ping, got %d", n)
	}
	waits := sleeper.Backoffs()
	want := []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("unexpected schedule waits %v", waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("unexpected schedule waits %v", waits)
		}
	}
	for _, ep := range sitecache.DefaultEndpoints {
		if n := api.Calls(ep.Path); n != 1 {
			t.Fatalf("%s: expected later passes to hit the cache, got %d calls", ep.Name, n)
		}
	}
}

func TestWarmCacheSlowPassDoesNotShiftSchedule(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	api.Handle("/api/hero", http.StatusInternalServerError, `{}`)
	api.Handle("/api/health", http.StatusOK, `{"status":"ok"}`)
	client, _ := newTestClient(t, api, sitecache.WithMode(sitecache.ModeProduction))
	sleeper := newSleepRecorder()
	w := newTestWarmer(t, client, sleeper, sitecache.WithWarmSchedule(2))

	report, err := w.WarmCache(context.Background())
	if err != nil {
		t.Fatalf("warm failed: %v", err)
	}
	if res := resultFor(t, report, "hero"); res.State != sitecache.StateFailed {
		t.Fatalf("expected hero failed, got %s", res.State)
	}
	// Each pass spends 1s backing off hero, so the offset waits shrink by 1s.
	got := sleeper.Backoffs()
	want := []time.Duration{
		time.Second,
		time.Second, time.Second,
		2 * time.Second, time.Second,
		4 * time.Second, time.Second,
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected waits %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected waits %v, want %v", got, want)
		}
	}
	if n := api.Calls("/api/hero"); n != 8 {
		t.Fatalf("expected 2 attempts in each of 4 passes, got %d", n)
	}
}

func TestWarmCacheSurvivesFailedHealthPing(t *testing.T) {
	api := cachefake.NewAPI(t)
	handleAllEndpoints(api)
	client, _ := newTestClient(t, api, sitecache.WithMode(sitecache.ModeProduction))
	w := newTestWarmer(t, client, newSleepRecorder(), sitecache.WithWarmSchedule(1, 0))

	report, err := w.WarmCache(context.Background())
	if err != nil {
		t.Fatalf("warm failed: %v", err)
	}
	if resultFor(t, report, "hero").State != sitecache.StateFresh {
		t.Fatalf("expected warm to continue past a failed health ping")
	}
}

func TestEndpointStateString(t *testing.T) {
	cases := map[sitecache.EndpointState]string{
		sitecache.StateUnfetched:     "unfetched",
		sitecache.StateFetching:      "fetching",
		sitecache.StateFresh:         "fresh",
		sitecache.StateStaleFallback: "stale_fallback",
		sitecache.StateFailed:        "failed",
		sitecache.EndpointState(99):  "unknown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Fatalf("%d: got %q want %q", state, state.String(), want)
		}
	}
}
