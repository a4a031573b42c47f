package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proxyguard"

var (
	MetricPatternRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "snapshot_refresh_total", Help: "Cache snapshot reloads from storage"},
		[]string{"cache", "result"},
	)
	MetricIPGateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ip_gate_checks_total", Help: "IP block checks"},
		[]string{"result", "source"},
	)
	MetricAuthDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auth_decisions_total", Help: "Token authorization decisions"},
		[]string{"group", "reason"},
	)
	MetricAuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "audit_dropped_total", Help: "Audit events dropped because the queue was full or the write failed"},
	)
	MetricRequestLogErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_log_errors_total", Help: "Request log rows that could not be persisted"},
	)
	MetricHttpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_duration_seconds",
			Help:      "Latency of proxied requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"group", "method", "status"},
	)
	MetricAggregationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "aggregation_runs_total", Help: "Traffic aggregation runs by outcome"},
		[]string{"outcome"},
	)
	MetricAggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Duration of traffic aggregation runs",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 60},
		},
	)
	MetricDBDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_op_duration_seconds",
			Help:      "Latency of Postgres operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, 1},
		},
		[]string{"operation"},
	)
	MetricRedisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_op_duration_seconds",
			Help:      "Latency of Redis operations in seconds",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1},
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(MetricPatternRefreshTotal)
	prometheus.MustRegister(MetricIPGateTotal)
	prometheus.MustRegister(MetricAuthDecisionsTotal)
	prometheus.MustRegister(MetricAuditDroppedTotal)
	prometheus.MustRegister(MetricRequestLogErrorsTotal)
	prometheus.MustRegister(MetricHttpDuration)
	prometheus.MustRegister(MetricAggregationRunsTotal)
	prometheus.MustRegister(MetricAggregationDuration)
	prometheus.MustRegister(MetricDBDuration)
	prometheus.MustRegister(MetricRedisDuration)
}
