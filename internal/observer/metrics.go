package observer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the observer.
type Metrics struct {
	RecordsTotal *prometheus.CounterVec
	LogSize      prometheus.Gauge

	SinkFailuresTotal *prometheus.CounterVec

	// HealthAlert is 1 while the last evaluation raised an alert.
	HealthAlert prometheus.Gauge
}

// NewMetrics creates observer metrics and registers them on reg. A nil reg
// leaves them unregistered.
//
// Metrics:
//   - refinery_observer_records_total{status} - Records appended to the log
//   - refinery_observer_log_size - Current number of records in the log
//   - refinery_observer_sink_failures_total{sink} - Failed sink publishes
//   - refinery_observer_health_alert - 1 if the last evaluation alerted
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refinery_observer_records_total",
				Help: "Total number of interaction records observed",
			},
			[]string{"status"}, // "converged" or "failed"
		),

		LogSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "refinery_observer_log_size",
				Help: "Current number of records in the long-term log",
			},
		),

		SinkFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refinery_observer_sink_failures_total",
				Help: "Total number of failed sink publishes",
			},
			[]string{"sink"},
		),

		HealthAlert: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "refinery_observer_health_alert",
				Help: "Whether the last health evaluation raised an alert (1) or not (0)",
			},
		),
	}
}

// RecordAppend records one appended record. The log only grows, so the size
// gauge is incremented rather than set, which keeps it monotonic under
// concurrent appends.
func (m *Metrics) RecordAppend(status string) {
	m.RecordsTotal.WithLabelValues(status).Inc()
	m.LogSize.Inc()
}

// RecordSinkFailure records a failed publish on sink.
func (m *Metrics) RecordSinkFailure(sink string) {
	m.SinkFailuresTotal.WithLabelValues(sink).Inc()
}

// SetHealth updates the alert gauge from a report.
func (m *Metrics) SetHealth(report HealthReport) {
	if report.Alerting() {
		m.HealthAlert.Set(1)
		return
	}
	m.HealthAlert.Set(0)
}
