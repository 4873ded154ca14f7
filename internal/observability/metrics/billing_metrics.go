// Package metrics exposes prometheus instruments for billing and the
// scheduler. Instruments are lazily registered singletons so services and
// jobs can grab them without wiring.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics captures charge attempt outcomes.
type BillingMetrics struct {
	attempts     *prometheus.CounterVec
	dedupHits    prometheus.Counter
	gatewayCalls *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &BillingMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "charge_attempts_total",
			Help:      "Charge attempts by outcome (success, failure).",
		}, []string{"outcome", "retry"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "dedup_short_circuits_total",
			Help:      "Billing requests answered from an existing successful ledger row.",
		}),
		gatewayCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "gateway_call_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions.",
		}, []string{"from", "to"}),
	}

	registerer.MustRegister(m.attempts, m.dedupHits, m.gatewayCalls, m.transitions)
	return m
}

func (m *BillingMetrics) IncChargeAttempt(outcome string, retry bool) {
	if m == nil {
		return
	}
	retryLabel := "false"
	if retry {
		retryLabel = "true"
	}
	m.attempts.WithLabelValues(normalizeLabel(outcome), retryLabel).Inc()
}

func (m *BillingMetrics) IncDedupShortCircuit() {
	if m == nil {
		return
	}
	m.dedupHits.Inc()
}

func (m *BillingMetrics) ObserveGatewayCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(normalizeLabel(outcome)).Observe(d.Seconds())
}

func (m *BillingMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}
