// Package metrics holds the prometheus collectors shared by the ingestion
// pipeline. Collectors are usable before Register; registration only
// exposes them.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookinbox"

// OwnerLabel is the label the per-owner metrics view filters on.
const OwnerLabel = "owner"

var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_requests_total",
			Help:      "Inbox requests by owner, endpoint and result code.",
		},
		[]string{OwnerLabel, "endpoint", "code"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent processing accepted inbox requests.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{OwnerLabel, "endpoint"},
	)
	AbuseScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "abuse_score",
			Help:      "Distribution of abuse scores attached to records.",
			Buckets:   []float64{0, 10, 20, 30, 50, 70, 90, 100},
		},
	)
	ResolverLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_lookups_total",
			Help:      "Resolver cache lookups by cache and result (hit, miss, not_found, store_error).",
		},
		[]string{"cache", "result"},
	)
	APIKeyValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_key_validations_total",
			Help:      "API key validations by result.",
		},
		[]string{"result"},
	)
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions (allowed, limited, degraded_open, degraded_closed).",
		},
		[]string{"result"},
	)
	UsageIncrementFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_increment_failures_total",
			Help:      "Usage counter updates that failed after a record was persisted.",
		},
	)
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Terminal webhook delivery outcomes.",
		},
		[]string{"outcome"},
	)
	WebhookAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_attempts_total",
			Help:      "Individual webhook HTTP attempts.",
		},
	)
	WebhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Wall time of a delivery including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	WebhookQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_queue_dropped_total",
			Help:      "Webhook jobs dropped because the queue was full or stopped.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Requests, RequestDuration, AbuseScores, ResolverLookups, APIKeyValidations,
		RateLimitDecisions, UsageIncrementFailures, WebhookDeliveries, WebhookAttempts,
		WebhookDuration, WebhookQueueDropped,
	}
}

// Register adds every collector to reg. Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
