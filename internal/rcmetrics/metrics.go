package rcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pulse_compute"
	subsystem = "rc"
)

// Metrics holds the reconciler's collectors. Construct it once with New and
// pass it to the components that record into it. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// ProvisioningTotal counts provisioning attempts by outcome.
	ProvisioningTotal *prometheus.CounterVec
	// WritebackTotal counts ledger write-backs by result.
	WritebackTotal *prometheus.CounterVec
	// DestroyTotal counts instance teardown attempts by outcome.
	DestroyTotal *prometheus.CounterVec
	// AddressPollAttempts observes how many polls it took to get an address.
	AddressPollAttempts prometheus.Histogram
	// ObserverEventsTotal counts ledger events seen by the observer.
	ObserverEventsTotal *prometheus.CounterVec
	// ObserverCursor is the last contiguously handled event sequence.
	ObserverCursor prometheus.Gauge
	// EntitlementsByState tracks Status Store entries per state.
	EntitlementsByState *prometheus.GaugeVec
	// StaleEntitlements is the number of entitlements expired past grace.
	StaleEntitlements prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProvisioningTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provisioning_total",
			Help:      "Total provisioning attempts by outcome.",
		}, []string{"outcome"}),
		WritebackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writeback_total",
			Help:      "Ledger setProvisioned write-backs by result.",
		}, []string{"result"}),
		DestroyTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "destroy_total",
			Help:      "Instance destroy attempts by outcome.",
		}, []string{"outcome"}),
		AddressPollAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "address_poll_attempts",
			Help:      "Number of describe polls needed before an instance reported an address.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30},
		}),
		ObserverEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "observer_events_total",
			Help:      "Ledger events seen by the observer by kind and result.",
		}, []string{"kind", "result"}),
		ObserverCursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "observer_cursor",
			Help:      "Highest ledger event sequence handled without gaps.",
		}),
		EntitlementsByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entitlements_by_state",
			Help:      "Status Store entries by fulfillment state.",
		}, []string{"state"}),
		StaleEntitlements: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_entitlements",
			Help:      "Entitlements past expiry plus grace that were never terminated.",
		}),
	}
}

func (m *Metrics) Provisioning(outcome string) {
	if m != nil {
		m.ProvisioningTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Writeback(result string) {
	if m != nil {
		m.WritebackTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Destroy(outcome string) {
	if m != nil {
		m.DestroyTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AddressPolled(attempts int) {
	if m != nil {
		m.AddressPollAttempts.Observe(float64(attempts))
	}
}

func (m *Metrics) ObserverEvent(kind, result string) {
	if m != nil {
		m.ObserverEventsTotal.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) SetCursor(seq uint64) {
	if m != nil {
		m.ObserverCursor.Set(float64(seq))
	}
}

// SetStateCounts replaces the per-state gauge values. States missing from
// counts are reset to zero.
func (m *Metrics) SetStateCounts(states []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, st := range states {
		m.EntitlementsByState.WithLabelValues(st).Set(float64(counts[st]))
	}
}

func (m *Metrics) SetStale(n int) {
	if m != nil {
		m.StaleEntitlements.Set(float64(n))
	}
}
