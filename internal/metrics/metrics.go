// Package metrics exposes Prometheus metrics for decisions, isolation and
// the embedding pipeline.
//
// Every method is safe on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_guard"

// Collector owns a private registry and every metric the service exports.
type Collector struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	embedDuration    prometheus.Histogram
	scoreDuration    prometheus.Histogram
	scores           prometheus.Histogram
	failures         *prometheus.CounterVec
	failOpen         prometheus.Counter
	isolations       *prometheus.CounterVec
	releases         *prometheus.CounterVec
	isolated         prometheus.Gauge
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	auditDropped     prometheus.Counter
	configReloads    *prometheus.CounterVec
}

// NewCollector creates and registers all metrics. If registry is nil a new
// one is created. Go runtime and process collectors are included.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decisions issued, by action and rule.",
		}, []string{"action", "rule"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "End-to-end intercept latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		embedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_duration_seconds",
			Help:      "Embedding latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		scoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_duration_seconds",
			Help:      "Scoring latency across all signals.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of risk scores.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Pipeline failures routed to the availability policy.",
		}, []string{"kind", "policy"}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Messages allowed because the decision engine was unavailable.",
		}),
		isolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "isolations_total",
			Help:      "Isolation transitions, by source.",
		}, []string{"source"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Release transitions, by source.",
		}, []string{"source"}),
		isolated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "isolated_agents",
			Help:      "Agents currently isolated.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding cache misses.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the writer buffer was full.",
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Policy hot reloads, by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		c.decisions, c.decisionDuration, c.embedDuration, c.scoreDuration, c.scores,
		c.failures, c.failOpen, c.isolations, c.releases, c.isolated,
		c.cacheHits, c.cacheMisses, c.auditDropped, c.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// RecordDecision counts a decision and observes its latency and score.
// scored is false when no risk score was computed (isolated fast path or
// an availability verdict).
func (c *Collector) RecordDecision(action, rule string, score float64, scored bool, d time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(action, rule).Inc()
	c.decisionDuration.Observe(d.Seconds())
	if scored {
		c.scores.Observe(score)
	}
}

func (c *Collector) ObserveEmbed(d time.Duration) {
	if c == nil {
		return
	}
	c.embedDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveScore(d time.Duration) {
	if c == nil {
		return
	}
	c.scoreDuration.Observe(d.Seconds())
}

// RecordFailure counts a failure routed to the availability policy.
func (c *Collector) RecordFailure(kind, policy string, failedOpen bool) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind, policy).Inc()
	if failedOpen {
		c.failOpen.Inc()
	}
}

func (c *Collector) RecordIsolation(source string) {
	if c == nil {
		return
	}
	c.isolations.WithLabelValues(source).Inc()
}

func (c *Collector) RecordRelease(source string) {
	if c == nil {
		return
	}
	c.releases.WithLabelValues(source).Inc()
}

// SetIsolated sets the isolated-agents gauge.
func (c *Collector) SetIsolated(n int) {
	if c == nil {
		return
	}
	c.isolated.Set(float64(n))
}

// AddIsolated moves the isolated-agents gauge by delta.
func (c *Collector) AddIsolated(delta int) {
	if c == nil {
		return
	}
	c.isolated.Add(float64(delta))
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.auditDropped.Inc()
}

// RecordReload counts a policy reload attempt; ok is false when it was rejected.
func (c *Collector) RecordReload(ok bool) {
	if c == nil {
		return
	}
	result := "applied"
	if !ok {
		result = "rejected"
	}
	c.configReloads.WithLabelValues(result).Inc()
}
