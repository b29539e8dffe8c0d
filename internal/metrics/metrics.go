// Package metrics holds the Prometheus collectors for the licensing service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pm",
		Subsystem: "licensing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pm",
		Subsystem: "licensing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EventOutcomesTotal counts dispatched events by outcome.
	EventOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pm",
		Subsystem: "licensing",
		Name:      "event_outcomes_total",
		Help:      "Dispatched billing events by outcome.",
	}, []string{"outcome"})

	// LicenseTransitionsTotal counts license issue, extend and revoke operations.
	LicenseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pm",
		Subsystem: "licensing",
		Name:      "license_transitions_total",
		Help:      "License keys issued, extended or revoked.",
	}, []string{"transition"})

	RepairedSubscriptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pm",
		Subsystem: "licensing",
		Name:      "repaired_subscriptions_total",
		Help:      "Active subscriptions that were issued a missing license by the repair job.",
	})

	SignatureFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pm",
		Subsystem: "licensing",
		Name:      "signature_failures_total",
		Help:      "Webhook requests rejected by signature verification.",
	})
)

const (
	TransitionIssued   = "issued"
	TransitionExtended = "extended"
	TransitionRevoked  = "revoked"
)
