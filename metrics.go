package imgload

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes coordinator counters to Prometheus. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	fetchesStarted   prometheus.Counter
	fetchesCompleted prometheus.Counter
	fetchesFailed    prometheus.Counter
	coalescedTasks   prometheus.Counter
	cancelledTasks   prometheus.Counter
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	partialDecodes   prometheus.Counter
	fetchDuration    prometheus.Histogram
}

// NewMetrics registers the coordinator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetchesStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "fetches_started_total",
			Help:      "Underlying fetches started.",
		}),
		fetchesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "fetches_completed_total",
			Help:      "Underlying fetches completed successfully.",
		}),
		fetchesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "fetches_failed_total",
			Help:      "Underlying fetches finished with an error.",
		}),
		coalescedTasks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "tasks_coalesced_total",
			Help:      "Tasks attached to an already in-flight fetch.",
		}),
		cancelledTasks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "tasks_cancelled_total",
			Help:      "Tasks cancelled before delivery.",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "cache_hits_total",
			Help:      "Cache lookups that produced a stored response.",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "cache_misses_total",
			Help:      "Cache lookups that came back empty.",
		}),
		partialDecodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "imgload",
			Name:      "partial_decodes_total",
			Help:      "Successful decodes of incomplete body prefixes.",
		}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imgload",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time from fetch start to completion.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) fetchStarted() {
	if m != nil {
		m.fetchesStarted.Inc()
	}
}

func (m *Metrics) fetchCompleted(d time.Duration) {
	if m != nil {
		m.fetchesCompleted.Inc()
		m.fetchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) fetchFailed() {
	if m != nil {
		m.fetchesFailed.Inc()
	}
}

func (m *Metrics) coalesced() {
	if m != nil {
		m.coalescedTasks.Inc()
	}
}

func (m *Metrics) taskCancelled() {
	if m != nil {
		m.cancelledTasks.Inc()
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) progressiveDecode() {
	if m != nil {
		m.partialDecodes.Inc()
	}
}
