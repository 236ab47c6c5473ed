// Package metrics exposes the node's internal counters over Prometheus.
// It is entirely ambient: no part of the kademlia package's behavior
// depends on a Collector being present, and a nil *Collector is safe to
// call every method on, so wiring it up is optional (spec.md names no
// metrics feature; this is carried as ambient observability the way the
// rest of the retrieval pack's production nodes do it).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns this node's Prometheus registry and metric vectors.
type Collector struct {
	registry *prometheus.Registry

	rpcsTotal        *prometheus.CounterVec
	lookupDuration   *prometheus.HistogramVec
	routingTableSize prometheus.Gauge
	storageEntries   prometheus.Gauge
}

// New builds a Collector registered against its own private registry, so
// multiple nodes in the same process (as in tests) never collide.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		rpcsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kadnode_rpcs_total",
			Help: "Total RPCs by method, direction (sent/received) and result (ok/timeout/error).",
		}, []string{"method", "direction", "result"}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kadnode_lookup_duration_seconds",
			Help:    "Wall-clock duration of spider lookups, by kind (node/value).",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		routingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kadnode_routing_table_size",
			Help: "Total contacts currently held across all k-buckets.",
		}),
		storageEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kadnode_storage_entries",
			Help: "Total key/value entries currently held locally.",
		}),
	}
	reg.MustRegister(c.rpcsTotal, c.lookupDuration, c.routingTableSize, c.storageEntries)
	return c
}

// Handler returns the HTTP handler to serve at the configured metrics
// address. Callers that don't want a metrics endpoint simply never call
// this (or never construct a Collector at all).
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RPC records the outcome of one RPC. direction is "sent" or "received";
// result is "ok", "timeout", or "error".
func (c *Collector) RPC(method, direction, result string) {
	if c == nil {
		return
	}
	c.rpcsTotal.WithLabelValues(method, direction, result).Inc()
}

// LookupDuration records how long a spider lookup of the given kind took.
func (c *Collector) LookupDuration(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.lookupDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetRoutingTableSize updates the routing-table occupancy gauge.
func (c *Collector) SetRoutingTableSize(n int) {
	if c == nil {
		return
	}
	c.routingTableSize.Set(float64(n))
}

// SetStorageEntries updates the local storage size gauge.
func (c *Collector) SetStorageEntries(n int) {
	if c == nil {
		return
	}
	c.storageEntries.Set(float64(n))
}
