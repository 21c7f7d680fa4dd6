package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/pagecache/cachetable"
)

// Adapter implements cachetable.Metrics and exports Prometheus
// counters, gauges and a checkpoint duration histogram.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	evicts      *prometheus.CounterVec
	stalls      prometheus.Counter
	escalations prometheus.Counter
	sizeCurrent prometheus.Gauge
	sizeEvict   prometheus.Gauge
	checkpoints prometheus.Histogram
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	a := &Adapter{
		hits:        counter("hits_total", "Pins satisfied from the cache"),
		misses:      counter("misses_total", "Pins that fetched from the backing file"),
		stalls:      counter("stalls_total", "Client sleeps on eviction flow control"),
		escalations: counter("escalations_total", "Eviction passes that ended above the size limit"),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Evictions by kind",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		sizeCurrent: gauge("size_bytes", "Attributed size of cached data"),
		sizeEvict:   gauge("evicting_bytes", "Size expected to be freed by evictions in flight"),
		checkpoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "checkpoint_duration_seconds",
			Help:        "Checkpoint duration from begin to end",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.stalls, a.escalations,
		a.sizeCurrent, a.sizeEvict, a.checkpoints)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a kind label.
func (a *Adapter) Evict(k cachetable.EvictKind) {
	a.evicts.WithLabelValues(kind(k)).Inc()
}

// Size updates the size gauges.
func (a *Adapter) Size(current, evicting int64) {
	a.sizeCurrent.Set(float64(current))
	a.sizeEvict.Set(float64(evicting))
}

func (a *Adapter) Stall() { a.stalls.Inc() }

func (a *Adapter) Escalation() { a.escalations.Inc() }

// Checkpoint observes one checkpoint's duration.
func (a *Adapter) Checkpoint(d time.Duration) { a.checkpoints.Observe(d.Seconds()) }

// kind maps EvictKind to a stable label value.
func kind(k cachetable.EvictKind) string {
	switch k {
	case cachetable.EvictPartial:
		return "partial"
	case cachetable.EvictStale:
		return "stale"
	default:
		return "full"
	}
}

// Compile-time check: ensure Adapter implements cachetable.Metrics.
var _ cachetable.Metrics = (*Adapter)(nil)
