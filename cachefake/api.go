package cachefake

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Response is a canned reply for a path.
type Response struct {
	Status int
	Body   string
}

// API is an httptest server with programmable per-path responses and
// request counting. Unknown paths answer 404.
type API struct {
	srv *httptest.Server

	mu        sync.Mutex
	responses map[string]Response
	calls     map[string]int
	headers   map[string]http.Header
	block     map[string]chan struct{}
}

// NewAPI starts a fake API that is closed when t finishes.
func NewAPI(t testing.TB) *API {
	t.Helper()
	a := &API{
		responses: make(map[string]Response),
		calls:     make(map[string]int),
		headers:   make(map[string]http.Header),
		block:     make(map[string]chan struct{}),
	}
	a.srv = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.srv.Close)
	return a
}

// URL is the server base URL.
func (a *API) URL() string { return a.srv.URL }

// Handle sets the reply for path.
func (a *API) Handle(path string, status int, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[path] = Response{Status: status, Body: body}
}

// Block makes requests for path wait until the returned func is called.
func (a *API) Block(path string) (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.block[path] = ch
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns how many requests path received.
func (a *API) Calls(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[path]
}

// LastHeader returns the headers of the last request to path.
func (a *API) LastHeader(path string) http.Header {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.headers[path].Clone()
}

func (a *API) serve(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.calls[r.URL.Path]++
	a.headers[r.URL.Path] = r.Header.Clone()
	resp, ok := a.responses[r.URL.Path]
	wait := a.block[r.URL.Path]
	a.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(resp.Body))
}
