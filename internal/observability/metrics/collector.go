// Package metrics implements the service/request counters and moving
// averages backing GET /api/metrics and GET /metrics (§4.9/§6 of
// SPEC_FULL.md).
package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Kinds of request the spec tracks a per-kind counter and moving average
// for (§4.9 "request counter, per-kind counter (search/chat/embed)").
const (
	KindSearch = "search"
	KindChat   = "chat"
	KindEmbed  = "embed"
)

// movingAverage is a lock-free 9/10-weighted exponential moving average,
// updated via atomic compare-and-swap (§5 "Counters and moving averages use
// atomic compare-exchange updates").
type movingAverage struct {
	bits atomic.Uint64
}

func (m *movingAverage) update(sample float64) {
	for {
		old := m.bits.Load()
		oldF := math.Float64frombits(old)
		next := sample
		if oldF != 0 {
			next = oldF*0.9 + sample*0.1
		}
		if m.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

func (m *movingAverage) value() float64 {
	return math.Float64frombits(m.bits.Load())
}

// KindStats is one kind's request count and moving-average duration, as
// reported by GET /api/metrics.
type KindStats struct {
	Count       uint64  `json:"count"`
	AvgDuration float64 `json:"avg_duration_ms"`
}

// Snapshot is the full GET /api/metrics body.
type Snapshot struct {
	RequestsTotal uint64               `json:"requests_total"`
	ByKind        map[string]KindStats `json:"by_kind"`
}

// Collector tracks request/kind counters and their moving-average
// durations, exposed both as a JSON Snapshot and as Prometheus text.
type Collector struct {
	requestsTotal atomic.Uint64
	kindCounts    map[string]*atomic.Uint64
	kindAverages  map[string]*movingAverage

	promRequestsTotal *prometheus.CounterVec
	promAvgDuration   *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewCollector constructs the embedder's Prometheus metrics against a
// private registry (not the global default), so multiple Collectors (e.g.
// one per test) never collide on duplicate registration.
func NewCollector() *Collector {
	c := &Collector{
		kindCounts:   map[string]*atomic.Uint64{KindSearch: {}, KindChat: {}, KindEmbed: {}},
		kindAverages: map[string]*movingAverage{KindSearch: {}, KindChat: {}, KindEmbed: {}},
		promRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "embedder_requests_total",
				Help: "Total HTTP requests handled, by kind.",
			},
			[]string{"kind"},
		),
		promAvgDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "embedder_request_duration_avg_seconds",
				Help: "9/10-weighted moving average of request duration, by kind.",
			},
			[]string{"kind"},
		),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(c.promRequestsTotal)
	c.registry.MustRegister(c.promAvgDuration)
	return c
}

// Record registers one completed request of the given kind, updating the
// request counter, the kind counter, and the kind's moving average
// (§4.9 "Per-request: ... updated atomically").
func (c *Collector) Record(kind string, duration time.Duration) {
	c.requestsTotal.Add(1)
	counter, ok := c.kindCounts[kind]
	if !ok {
		return
	}
	counter.Add(1)
	c.promRequestsTotal.WithLabelValues(kind).Inc()

	avg := c.kindAverages[kind]
	avg.update(duration.Seconds())
	c.promAvgDuration.WithLabelValues(kind).Set(avg.value())
}

// Snapshot returns the current counters/averages for GET /api/metrics.
func (c *Collector) Snapshot() Snapshot {
	byKind := make(map[string]KindStats, len(c.kindCounts))
	for kind, counter := range c.kindCounts {
		byKind[kind] = KindStats{
			Count:       counter.Load(),
			AvgDuration: c.kindAverages[kind].value() * 1000,
		}
	}
	return Snapshot{RequestsTotal: c.requestsTotal.Load(), ByKind: byKind}
}

// Handler returns the Prometheus text-exposition HTTP handler for /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
