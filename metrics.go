package sgx_ra

import "github.com/prometheus/client_golang/prometheus"

// Handshake outcomes.
const (
	outcomeCompleted = "completed"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
	outcomeAborted   = "aborted"
)

// Metrics are the handshake counters exported by a session manager or
// initiator. A nil *Metrics records nothing.
type Metrics struct {
	handshakes *prometheus.CounterVec
	sessions   prometheus.Gauge
}

// NewMetrics creates the metrics and registers them with reg, if not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sgx_ra",
			Name:      "handshakes_total",
			Help:      "Finished handshakes by role and outcome.",
		}, []string{"role", "outcome"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sgx_ra",
			Name:      "sessions",
			Help:      "Sessions currently held by the service provider.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.handshakes, m.sessions)
	}
	return m
}

func (m *Metrics) handshake(role, outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// outcome classifies how a connection in phase p ended.
func outcome(p Phase, err error, rejected bool) string {
	switch {
	case rejected:
		return outcomeRejected
	case err != nil || p == PhaseFailed:
		return outcomeFailed
	case p == PhaseClosed:
		return outcomeCompleted
	default:
		return outcomeAborted
	}
}
