package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts access decisions.
type Metrics struct {
	Decisions *prometheus.CounterVec
}

// NewMetrics creates the access metrics and registers them with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hdp",
				Subsystem: "access",
				Name:      "decisions_total",
				Help:      "Total number of access decisions by kind, outcome and reason code",
			},
			[]string{"kind", "outcome", "code"},
		),
	}
}

func (m *Metrics) observe(kind string, r Result) {
	if m == nil {
		return
	}
	outcome := "allow"
	if !r.Allowed {
		outcome = "deny"
	}
	m.Decisions.WithLabelValues(kind, outcome, r.Code()).Inc()
}
