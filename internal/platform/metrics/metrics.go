package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the fusion service.
// Every method is safe to call on a nil receiver so components can run without
// instrumentation in tests.
type Metrics struct {
	// Source polling
	FetchDuration *prometheus.HistogramVec
	FetchOutcome  *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec

	// Cache tiers
	CacheLookups  *prometheus.CounterVec
	CacheEvicted  prometheus.Counter
	DurableErrors *prometheus.CounterVec

	// Fusion stages
	DedupDropped     prometheus.Counter
	ClustersDetected prometheus.Gauge
	MalformedDropped prometheus.Counter
	CountryCII       *prometheus.GaugeVec
	CycleDuration    prometheus.Histogram
	DegradedDomains  prometheus.Gauge
	PublishFailures  *prometheus.CounterVec
}

// New creates and registers all metrics with reg. A nil registerer uses the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geofuse_source_fetch_duration_seconds",
			Help:    "Duration of upstream fetches by domain",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"domain"}),
		FetchOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofuse_source_poll_total",
			Help: "Source polls by domain and resulting status",
		}, []string{"domain", "status"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geofuse_source_breaker_open",
			Help: "1 when the domain's circuit breaker is open or half-open",
		}, []string{"domain"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofuse_cache_lookups_total",
			Help: "Cache lookups by tier and result",
		}, []string{"tier", "result"}),
		CacheEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "geofuse_cache_evicted_total",
			Help: "Entries removed by cache sweeps",
		}),
		DurableErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofuse_cache_durable_errors_total",
			Help: "Durable tier failures by operation",
		}, []string{"op"}),
		DedupDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "geofuse_dedup_dropped_total",
			Help: "Signals collapsed into an earlier representative",
		}),
		ClustersDetected: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofuse_convergence_clusters",
			Help: "Convergence clusters produced by the latest cycle",
		}),
		MalformedDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "geofuse_convergence_malformed_dropped_total",
			Help: "Signals dropped from convergence detection as malformed",
		}),
		CountryCII: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geofuse_country_instability_index",
			Help: "Latest country instability index (0-100)",
		}, []string{"iso2"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "geofuse_fusion_cycle_duration_seconds",
			Help:    "Duration of a full fusion cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		DegradedDomains: f.NewGauge(prometheus.GaugeOpts{
			Name: "geofuse_fusion_degraded_domains",
			Help: "Domains not serving live data in the latest cycle",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "geofuse_publish_failures_total",
			Help: "Cycle result publication failures by sink",
		}, []string{"sink"}),
	}
}

func (m *Metrics) ObserveFetch(domain string, d time.Duration) {
	if m != nil {
		m.FetchDuration.WithLabelValues(domain).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementPoll(domain, status string) {
	if m != nil {
		m.FetchOutcome.WithLabelValues(domain, status).Inc()
	}
}

func (m *Metrics) SetBreakerOpen(domain string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(domain).Set(v)
}

func (m *Metrics) RecordCacheHit(tier string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(tier, "hit").Inc()
	}
}

func (m *Metrics) RecordCacheMiss(tier string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(tier, "miss").Inc()
	}
}

func (m *Metrics) AddEvicted(n int) {
	if m != nil {
		m.CacheEvicted.Add(float64(n))
	}
}

func (m *Metrics) IncrementDurableError(op string) {
	if m != nil {
		m.DurableErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) AddDedupDropped(n int) {
	if m != nil {
		m.DedupDropped.Add(float64(n))
	}
}

func (m *Metrics) SetClusters(n int) {
	if m != nil {
		m.ClustersDetected.Set(float64(n))
	}
}

func (m *Metrics) AddMalformed(n int) {
	if m != nil {
		m.MalformedDropped.Add(float64(n))
	}
}

func (m *Metrics) SetCII(iso2 string, cii float64) {
	if m != nil {
		m.CountryCII.WithLabelValues(iso2).Set(cii)
	}
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m != nil {
		m.CycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) SetDegraded(n int) {
	if m != nil {
		m.DegradedDomains.Set(float64(n))
	}
}

func (m *Metrics) IncrementPublishFailure(sink string) {
	if m != nil {
		m.PublishFailures.WithLabelValues(sink).Inc()
	}
}
