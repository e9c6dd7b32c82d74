// Package cacheprom exports cache operations as Prometheus metrics.
package cacheprom

import (
	"context"
	"time"

	"github.com/goforj/sitecache"
	"github.com/prometheus/client_golang/prometheus"
)

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Observer implements sitecache.Observer with Prometheus collectors.
type Observer struct {
	ops      *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ sitecache.Observer = (*Observer)(nil)

// New registers the cache collectors on reg under namespace.
func New(reg prometheus.Registerer, namespace string) (*Observer, error) {
	if namespace == "" {
		namespace = "sitecache"
	}
	o := &Observer{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Cache operations by op, driver and result.",
		}, []string{"op", "driver", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Cache operations that failed, durable storage failures included.",
		}, []string{"op", "driver"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Cache operation latency.",
			Buckets:   defaultBuckets,
		}, []string{"op", "driver"}),
	}
	for _, c := range []prometheus.Collector{o.ops, o.errors, o.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnCacheOp records one operation.
func (o *Observer) OnCacheOp(_ context.Context, op, _ string, hit bool, err error, dur time.Duration, driver sitecache.Driver) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
		o.errors.WithLabelValues(op, string(driver)).Inc()
	case hit:
		result = "hit"
	}
	o.ops.WithLabelValues(op, string(driver), result).Inc()
	o.duration.WithLabelValues(op, string(driver)).Observe(dur.Seconds())
}
