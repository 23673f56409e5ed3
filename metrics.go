package x402

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gate outcomes recorded by Metrics.
const (
	OutcomeAuthenticated   = "authenticated"
	OutcomeAuthRejected    = "auth_rejected"
	OutcomeChallenge       = "challenge_issued"
	OutcomePaid            = "paid"
	OutcomeRejected        = "payment_rejected"
	OutcomeFacilitatorFail = "facilitator_error"
	OutcomeConfigError     = "configuration_error"
	OutcomeNoPayment       = "no_payment"
	OutcomePanic           = "internal_error"
)

// Metrics holds the Prometheus collectors for a Gate. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes            *prometheus.CounterVec
	facilitatorDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the gate collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "x402",
				Subsystem: "gate",
				Name:      "outcomes_total",
				Help:      "Total number of gated requests by wrapper and outcome.",
			},
			[]string{"wrapper", "outcome"},
		),
		facilitatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "x402",
				Subsystem: "facilitator",
				Name:      "verify_settle_duration_seconds",
				Help:      "Duration of facilitator verify-and-settle calls.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.facilitatorDuration)
	}
	return m
}

func (m *Metrics) outcome(wrapper, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(wrapper, outcome).Inc()
}

func (m *Metrics) observeFacilitator(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.facilitatorDuration.WithLabelValues(result).Observe(d.Seconds())
}
