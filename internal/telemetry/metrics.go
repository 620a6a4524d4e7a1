package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"healthdata-platform/backend/internal/telemetry/domain"
)

// Metrics holds the Prometheus collectors of the registry and recorder. A nil *Metrics
// records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsCompleted *prometheus.CounterVec
	StepsCompleted    *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	EntriesWritten    *prometheus.CounterVec
	Overflows         *prometheus.CounterVec
	DanglingOverflows prometheus.Counter
}

// NewMetrics creates the telemetry metrics and registers them with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "active_sessions",
			Help:      "Number of telemetry sessions currently registered",
		}),
		SessionsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "sessions_completed_total",
			Help:      "Completed telemetry sessions by status and trigger (caller, expired, shutdown)",
		}, []string{"status", "trigger"}),
		StepsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "steps_completed_total",
			Help:      "Completed telemetry steps by final status",
		}, []string{"status"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "session_duration_seconds",
			Help:      "Wall time from session creation to completion",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
		}),
		EntriesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "entries_written_total",
			Help:      "Telemetry entries written to the record store by type and outcome",
		}, []string{"entry_type", "outcome"}),
		Overflows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "overflow_payloads_total",
			Help:      "Payloads written to blob storage because they exceeded the inline threshold",
		}, []string{"entry_type"}),
		DanglingOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hdp",
			Subsystem: "telemetry",
			Name:      "dangling_overflow_total",
			Help:      "Reads whose overflow pointer had no blob behind it",
		}),
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) sessionClosed(r *domain.Result, trigger string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsCompleted.WithLabelValues(string(r.Status), trigger).Inc()
	m.SessionDuration.Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())
}

func (m *Metrics) stepCompleted(status domain.StepStatus) {
	if m != nil {
		m.StepsCompleted.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) entryWritten(t domain.EntryType, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.EntriesWritten.WithLabelValues(string(t), outcome).Inc()
}

func (m *Metrics) overflowed(t domain.EntryType) {
	if m != nil {
		m.Overflows.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) danglingOverflow() {
	if m != nil {
		m.DanglingOverflows.Inc()
	}
}
