/*
Copyright © 2025 Hausly Ltd.

Released under MIT license.
*/

package throttle

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsLabelDryRun = "dry_run"
	metricsLabelRule   = "rule"
)

const (
	metricsValYes = "yes"
	metricsValNo  = "no"
)

// MetricsCollector is an interface for collecting metrics about rate limiting rejects.
type MetricsCollector interface {
	// IncRateLimitRejects increments the counter of requests rejected because the rate limit is exceeded.
	IncRateLimitRejects(rule string, dryRun bool)
}

// PrometheusMetrics represents a Prometheus-based implementation of the MetricsCollector.
type PrometheusMetrics struct {
	RateLimitRejects *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	rateLimitRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejects_total",
		Help:      "Number of rejected requests due to rate limit exceeded.",
	}, []string{metricsLabelDryRun, metricsLabelRule})

	return &PrometheusMetrics{RateLimitRejects: rateLimitRejects}
}

// IncRateLimitRejects increments the counter of requests rejected because the rate limit is exceeded.
func (pm *PrometheusMetrics) IncRateLimitRejects(rule string, dryRun bool) {
	dryRunVal := metricsValNo
	if dryRun {
		dryRunVal = metricsValYes
	}
	pm.RateLimitRejects.With(prometheus.Labels{metricsLabelDryRun: dryRunVal, metricsLabelRule: rule}).Inc()
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{RateLimitRejects: pm.RateLimitRejects.MustCurryWith(labels)}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.RateLimitRejects)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.RateLimitRejects)
}

type disabledMetrics struct{}

func (disabledMetrics) IncRateLimitRejects(string, bool) {}
