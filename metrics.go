// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsHook observes pipeline-level counters for a logical call: one
// request to [Transport], covering every attempt it made. Implementations
// must be safe for concurrent use; hook methods are called from the
// request-handling goroutine and must not block.
type MetricsHook interface {
	// AttemptStarted is called once per attempt, before the connection is
	// established.
	AttemptStarted(node *Node, method HttpMethod)

	// AttemptFinished is called once per attempt with its outcome.
	// statusCode is 0 when the attempt failed before a status line was
	// read.
	AttemptFinished(node *Node, method HttpMethod, statusCode int, category ErrorCategory, elapsed time.Duration)

	// CallFinished is called once per logical call, after every attempt
	// it made has finished.
	CallFinished(method HttpMethod, attempts int, succeeded bool, elapsed time.Duration)

	// NodeMarkedDead is called whenever the pool marks a node dead.
	NodeMarkedDead(node *Node, failedAttempts uint32)

	// SniffCompleted is called after a sniff attempt, successful or not.
	SniffCompleted(succeeded bool, discovered int)
}

// NoopMetricsHook discards every observation. It is [NewConfig]'s default.
type NoopMetricsHook struct{}

var _ MetricsHook = NoopMetricsHook{}

func (NoopMetricsHook) AttemptStarted(*Node, HttpMethod)                                  {}
func (NoopMetricsHook) AttemptFinished(*Node, HttpMethod, int, ErrorCategory, time.Duration) {}
func (NoopMetricsHook) CallFinished(HttpMethod, int, bool, time.Duration)                 {}
func (NoopMetricsHook) NodeMarkedDead(*Node, uint32)                                      {}
func (NoopMetricsHook) SniffCompleted(bool, int)                                          {}

// PrometheusMetricsHook implements [MetricsHook] atop the
// github.com/prometheus/client_golang collector types, registering its
// metrics on the supplied registerer (typically [prometheus.DefaultRegisterer]
// or a test-local [prometheus.NewRegistry]).
type PrometheusMetricsHook struct {
	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	callsTotal       *prometheus.CounterVec
	callDuration     prometheus.Histogram
	nodesDeadTotal   prometheus.Counter
	sniffsTotal      *prometheus.CounterVec
	sniffedNodeCount prometheus.Gauge
}

// NewPrometheusMetricsHook constructs and registers a [PrometheusMetricsHook]
// on reg. reg must not be nil; pass [prometheus.NewRegistry] in tests to
// avoid colliding with other registrations in the same process.
func NewPrometheusMetricsHook(reg prometheus.Registerer) *PrometheusMetricsHook {
	h := &PrometheusMetricsHook{
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "attempts_total",
			Help:      "Total request attempts made against a node, labeled by method and outcome category.",
		}, []string{"method", "category"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "transport",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single attempt against one node.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "calls_total",
			Help:      "Total logical calls, labeled by method and overall success.",
		}, []string{"method", "succeeded"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "transport",
			Name:      "call_duration_seconds",
			Help:      "Duration of a logical call across every attempt it made.",
			Buckets:   prometheus.DefBuckets,
		}),
		nodesDeadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "nodes_marked_dead_total",
			Help:      "Total times a node was marked dead.",
		}),
		sniffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transport",
			Name:      "sniffs_total",
			Help:      "Total sniff attempts, labeled by outcome.",
		}, []string{"succeeded"}),
		sniffedNodeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transport",
			Name:      "sniffed_nodes",
			Help:      "Node count discovered by the most recent successful sniff.",
		}),
	}
	reg.MustRegister(
		h.attemptsTotal, h.attemptDuration, h.callsTotal, h.callDuration,
		h.nodesDeadTotal, h.sniffsTotal, h.sniffedNodeCount,
	)
	return h
}

var _ MetricsHook = (*PrometheusMetricsHook)(nil)

func (h *PrometheusMetricsHook) AttemptStarted(*Node, HttpMethod) {}

func (h *PrometheusMetricsHook) AttemptFinished(_ *Node, method HttpMethod, _ int, category ErrorCategory, elapsed time.Duration) {
	h.attemptsTotal.WithLabelValues(string(method), categoryLabel(category)).Inc()
	h.attemptDuration.WithLabelValues(string(method)).Observe(elapsed.Seconds())
}

func (h *PrometheusMetricsHook) CallFinished(method HttpMethod, _ int, succeeded bool, elapsed time.Duration) {
	h.callsTotal.WithLabelValues(string(method), boolLabel(succeeded)).Inc()
	h.callDuration.Observe(elapsed.Seconds())
}

func (h *PrometheusMetricsHook) NodeMarkedDead(*Node, uint32) {
	h.nodesDeadTotal.Inc()
}

func (h *PrometheusMetricsHook) SniffCompleted(succeeded bool, discovered int) {
	h.sniffsTotal.WithLabelValues(boolLabel(succeeded)).Inc()
	if succeeded {
		h.sniffedNodeCount.Set(float64(discovered))
	}
}

func categoryLabel(c ErrorCategory) string {
	switch c {
	case ErrorCategoryNone:
		return "none"
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryCancellation:
		return "cancellation"
	case ErrorCategoryUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
