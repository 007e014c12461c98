// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import "github.com/prometheus/client_golang/prometheus"

// Roles used as metric labels and log fields.
const (
	roleCoordinator = "coordinator"
	roleResponder   = "responder"
)

// Metrics contains the sweep counters and gauges.
//
// A nil *Metrics is valid and records nothing.
//
// Construct using [NewMetrics].
type Metrics struct {
	// CurrentMTU is the MTU last applied by each role.
	CurrentMTU *prometheus.GaugeVec

	// MeasurementFailures counts skipped data points by direction.
	MeasurementFailures *prometheus.CounterVec

	// MTUApplyFailures counts failed MTU changes by role.
	MTUApplyFailures *prometheus.CounterVec

	// RoundsCompleted counts completed outer rounds by role.
	RoundsCompleted *prometheus.CounterVec

	// SamplesRecorded counts rows appended to the result sink.
	SamplesRecorded prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CurrentMTU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtusweep_current_mtu",
			Help: "MTU last applied to the local interface.",
		}, []string{"role"}),
		MeasurementFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtusweep_measurement_failures_total",
			Help: "Bandwidth tests that produced no result.",
		}, []string{"direction"}),
		MTUApplyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtusweep_mtu_apply_failures_total",
			Help: "Failed attempts to change the local interface MTU.",
		}, []string{"role"}),
		RoundsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtusweep_rounds_completed_total",
			Help: "Outer sweep rounds completed.",
		}, []string{"role"}),
		SamplesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtusweep_samples_recorded_total",
			Help: "Measurement samples appended to the result file.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CurrentMTU,
			m.MeasurementFailures,
			m.MTUApplyFailures,
			m.RoundsCompleted,
			m.SamplesRecorded,
		)
	}
	return m
}

func (m *Metrics) setCurrentMTU(role string, mtu uint32) {
	if m != nil {
		m.CurrentMTU.WithLabelValues(role).Set(float64(mtu))
	}
}

func (m *Metrics) measurementFailed(dir Direction) {
	if m != nil {
		m.MeasurementFailures.WithLabelValues(dir.String()).Inc()
	}
}

func (m *Metrics) mtuApplyFailed(role string) {
	if m != nil {
		m.MTUApplyFailures.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) roundCompleted(role string) {
	if m != nil {
		m.RoundsCompleted.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) sampleRecorded() {
	if m != nil {
		m.SamplesRecorded.Inc()
	}
}
