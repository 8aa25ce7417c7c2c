package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrderTransitions counts per-order reconciliation outcomes.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_order_transitions_total",
		Help: "Per-order reconciliation outcomes by confirmation channel",
	}, []string{"channel", "outcome"})

	// SignatureFailures counts confirmations rejected by HMAC verification.
	SignatureFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_signature_failures_total",
		Help: "Confirmations whose signature did not verify",
	}, []string{"channel"})

	// WebhookEvents counts authenticated webhook events by kind.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_webhook_events_total",
		Help: "Authenticated processor webhook events by kind",
	}, []string{"kind"})
)
