package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the coordinator's instrumentation. All components receive
// the same instance; a nil *Metrics disables instrumentation (every method
// is nil-safe) so tests don't need a registry.
type Metrics struct {
	ClockOffset     *prometheus.GaugeVec
	ClockRTT        *prometheus.GaugeVec
	DriftDelta      prometheus.Gauge
	SyncAttempts    prometheus.Gauge
	Corrections     *prometheus.CounterVec
	CommandsApplied *prometheus.CounterVec
	CommandsDropped *prometheus.CounterVec
}

// New creates and registers the coordinator metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClockOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "groupcast",
			Name:      "clock_offset_ms",
			Help:      "Estimated clock offset to the remote endpoint in milliseconds.",
		}, []string{"source"}),
		ClockRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "groupcast",
			Name:      "clock_rtt_ms",
			Help:      "Measured ping round-trip time in milliseconds.",
		}, []string{"source"}),
		DriftDelta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "groupcast",
			Name:      "drift_delta_ms",
			Help:      "Last observed playback drift against the group position in milliseconds.",
		}),
		SyncAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "groupcast",
			Name:      "sync_attempts",
			Help:      "Consecutive drift corrections since the player was last in sync.",
		}),
		Corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupcast",
			Name:      "sync_corrections_total",
			Help:      "Drift corrections applied, by strategy.",
		}, []string{"strategy"}),
		CommandsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupcast",
			Name:      "commands_applied_total",
			Help:      "Playback commands scheduled or executed, by kind.",
		}, []string{"kind"}),
		CommandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupcast",
			Name:      "commands_dropped_total",
			Help:      "Playback commands rejected before scheduling, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.ClockOffset, m.ClockRTT, m.DriftDelta, m.SyncAttempts,
		m.Corrections, m.CommandsApplied, m.CommandsDropped,
	)
	return m
}

// ObserveClock records a completed clock sample for a source.
func (m *Metrics) ObserveClock(source string, offsetMillis, rttMillis float64) {
	if m == nil {
		return
	}
	m.ClockOffset.WithLabelValues(source).Set(offsetMillis)
	m.ClockRTT.WithLabelValues(source).Set(rttMillis)
}

// DropClock removes a departed source's series.
func (m *Metrics) DropClock(source string) {
	if m == nil {
		return
	}
	m.ClockOffset.DeleteLabelValues(source)
	m.ClockRTT.DeleteLabelValues(source)
}

// ObserveDrift records a drift measurement and the attempt counter.
func (m *Metrics) ObserveDrift(deltaMillis float64, attempts int) {
	if m == nil {
		return
	}
	m.DriftDelta.Set(deltaMillis)
	m.SyncAttempts.Set(float64(attempts))
}

// CountCorrection counts one applied drift correction.
func (m *Metrics) CountCorrection(strategy string) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(strategy).Inc()
}

// CountCommand counts one accepted playback command.
func (m *Metrics) CountCommand(kind string) {
	if m == nil {
		return
	}
	m.CommandsApplied.WithLabelValues(kind).Inc()
}

// CountDropped counts one rejected playback command.
func (m *Metrics) CountDropped(reason string) {
	if m == nil {
		return
	}
	m.CommandsDropped.WithLabelValues(reason).Inc()
}
