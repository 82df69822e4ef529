// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAccepted    = "accepted"
	OutcomeDuplicate   = "duplicate"
	OutcomeInvalid     = "invalid"
	OutcomeUnavailable = "unavailable"

	OutcomeProvisioned        = "provisioned"
	OutcomeAlreadyProvisioned = "already_provisioned"
	OutcomeIgnored            = "ignored"
	OutcomeRedelivered        = "redelivered"
	OutcomeTransient          = "transient_error"
	OutcomeFatal              = "fatal_error"

	OutcomeCreated = "created"
	OutcomeExists  = "exists"
	OutcomeFailed  = "failed"
)

var (
	initOnce sync.Once

	registrationsCounter       *prometheus.CounterVec
	changeEventsCounter        *prometheus.CounterVec
	guardrailsCounter          *prometheus.CounterVec
	alertsCounter              *prometheus.CounterVec
	notificationFailureCounter prometheus.Counter
	lookupFailureCounter       prometheus.Counter
	sweepDurationMetric        prometheus.Histogram
	provisionDurationMetric    prometheus.Histogram
	feedClaimLatencyMetric     prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		registrationsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registrations_total",
				Help: "Registration requests by outcome.",
			},
			[]string{"outcome"},
		)

		changeEventsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "change_events_total",
				Help: "Change feed events handled by the provisioning orchestrator, by outcome.",
			},
			[]string{"outcome"},
		)

		guardrailsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "budget_guardrails_total",
				Help: "Budget guardrail creation attempts by outcome.",
			},
			[]string{"outcome"},
		)

		alertsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spend_alerts_total",
				Help: "Spend alerts raised by the auditor, by kind.",
			},
			[]string{"kind"},
		)

		notificationFailureCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notification_failures_total",
				Help: "Notifications that could not be published.",
			},
		)

		lookupFailureCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardrail_lookup_failures_total",
				Help: "Per-account guardrail lookups that failed during a sweep.",
			},
		)

		sweepDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spend_sweep_duration_seconds",
				Help:    "Duration of spend audit sweeps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		provisionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "provision_duration_seconds",
				Help:    "Duration of provisioning backend calls in seconds.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		)

		feedClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feed_claim_latency_seconds",
				Help:    "Latency of change feed claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			registrationsCounter,
			changeEventsCounter,
			guardrailsCounter,
			alertsCounter,
			notificationFailureCounter,
			lookupFailureCounter,
			sweepDurationMetric,
			provisionDurationMetric,
			feedClaimLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, outcome := range []string{OutcomeAccepted, OutcomeDuplicate, OutcomeInvalid, OutcomeUnavailable} {
			registrationsCounter.WithLabelValues(outcome)
		}
		for _, outcome := range []string{
			OutcomeProvisioned,
			OutcomeAlreadyProvisioned,
			OutcomeIgnored,
			OutcomeRedelivered,
			OutcomeTransient,
			OutcomeFatal,
		} {
			changeEventsCounter.WithLabelValues(outcome)
		}
		for _, outcome := range []string{OutcomeCreated, OutcomeExists, OutcomeFailed} {
			guardrailsCounter.WithLabelValues(outcome)
		}
	})
}

func IncRegistration(outcome string) {
	Init()
	registrationsCounter.WithLabelValues(outcome).Inc()
}

func IncChangeEvent(outcome string) {
	Init()
	changeEventsCounter.WithLabelValues(outcome).Inc()
}

func IncGuardrail(outcome string) {
	Init()
	guardrailsCounter.WithLabelValues(outcome).Inc()
}

func IncAlert(kind string) {
	Init()
	alertsCounter.WithLabelValues(kind).Inc()
}

func IncNotificationFailure() {
	Init()
	notificationFailureCounter.Inc()
}

func IncLookupFailure() {
	Init()
	lookupFailureCounter.Inc()
}

func ObserveSweepDuration(d time.Duration) {
	Init()
	sweepDurationMetric.Observe(d.Seconds())
}

func ObserveProvisionDuration(d time.Duration) {
	Init()
	provisionDurationMetric.Observe(d.Seconds())
}

func ObserveFeedClaimLatency(d time.Duration) {
	Init()
	feedClaimLatencyMetric.Observe(d.Seconds())
}
