// Package metrics holds the Prometheus collectors for the mesh control
// plane. Collectors are package-level promauto values; record helpers keep
// label sets consistent across callers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	meshAgentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mesh_agents_total",
		Help: "Registered agents by status.",
	}, []string{"status"})

	meshRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_requests_total",
		Help: "HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	meshRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mesh_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	meshHandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_handshakes_total",
		Help: "Trust handshakes by outcome.",
	}, []string{"outcome"})

	meshHandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mesh_handshake_duration_seconds",
		Help:    "Handshake verification duration in seconds.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})

	meshPolicyDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_policy_decisions_total",
		Help: "Policy decisions by effect and source.",
	}, []string{"effect", "source"})

	meshAuditEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_audit_entries_total",
		Help: "Audit log entries appended.",
	})

	meshRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by exhausted scope.",
	}, []string{"scope"})

	meshRevocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_revocations_total",
		Help: "Identity revocations by trigger.",
	}, []string{"trigger"})

	meshEventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_events_dropped_total",
		Help: "Events dropped by the async bus under overflow.",
	})

	meshAvailabilityProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_availability_probes_total",
		Help: "Agent availability probes by result.",
	}, []string{"result"})

	meshWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result.",
	}, []string{"result"})
)

// RecordRequest records one served HTTP request.
func RecordRequest(method, path, status string, seconds float64) {
	meshRequestsTotal.WithLabelValues(method, path, status).Inc()
	meshRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordHandshake records a handshake attempt and its verification latency.
func RecordHandshake(outcome string, seconds float64) {
	meshHandshakesTotal.WithLabelValues(outcome).Inc()
	meshHandshakeDuration.Observe(seconds)
}

// RecordPolicyDecision records one policy evaluation.
func RecordPolicyDecision(allowed bool, source string) {
	effect := "deny"
	if allowed {
		effect = "allow"
	}
	meshPolicyDecisionsTotal.WithLabelValues(effect, source).Inc()
}

// RecordAuditAppend records one audit log append.
func RecordAuditAppend() {
	meshAuditEntriesTotal.Inc()
}

// RecordRateLimited records a rejection; scope is "agent" or "global".
func RecordRateLimited(scope string) {
	meshRateLimitedTotal.WithLabelValues(scope).Inc()
}

// RecordRevocation records a revocation; trigger is "admin", "auto", or
// "cascade".
func RecordRevocation(trigger string) {
	meshRevocationsTotal.WithLabelValues(trigger).Inc()
}

// RecordEventDropped counts an event lost to async queue overflow.
func RecordEventDropped() {
	meshEventsDroppedTotal.Inc()
}

// RecordAvailabilityProbe records one prober round trip.
func RecordAvailabilityProbe(success bool) {
	if success {
		meshAvailabilityProbesTotal.WithLabelValues("success").Inc()
	} else {
		meshAvailabilityProbesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		meshWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		meshWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// SetAgentsGauge sets the agent count gauge for one status.
func SetAgentsGauge(status string, count float64) {
	meshAgentsTotal.WithLabelValues(status).Set(count)
}
