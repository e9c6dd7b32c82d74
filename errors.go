package sitecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoData is returned when neither the network nor any fallback produced a value.
	ErrNoData = errors.New("sitecache: no data available")

	// ErrStoreUnavailable is returned by stores constructed without a backend client.
	ErrStoreUnavailable = errors.New("sitecache: store backend unavailable")
)

// NetworkError reports a transport failure or timeout while fetching url.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the request was aborted by its deadline.
func (e *NetworkError) Timeout() bool {
	var t interface{ Timeout() bool }
	if errors.As(e.Err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ParseError reports a response body that is not valid JSON.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError reports a durable store failure. Cache logs and drops these;
// they never reach callers of Get or Set.
type StorageError struct {
	Op     string
	Key    string
	Driver Driver
	Err    error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store %s %q: %v", e.Driver, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
