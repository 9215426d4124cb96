// Package metrics exposes chainlab daemon and session counters through
// Prometheus. All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chainlab"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the collectors.
type Metrics struct {
	starts  *prometheus.CounterVec
	stops   *prometheus.CounterVec
	running *prometheus.GaugeVec
	phase   prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_starts_total",
			Help:      "Routing daemon start attempts by role and result.",
		}, []string{"role", "result"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_stops_total",
			Help:      "Routing daemon stop attempts by role and result.",
		}, []string{"role", "result"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemons_running",
			Help:      "Routing daemons currently believed running, by role.",
		}, []string{"role"}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_phase",
			Help:      "Ordinal of the current session phase.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.starts, m.stops, m.running, m.phase)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// DaemonStarted records a start attempt. A successful start raises the
// running gauge for the role.
func (m *Metrics) DaemonStarted(role string, err error) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(role, result(err)).Inc()
	if err == nil {
		m.running.WithLabelValues(role).Inc()
	}
}

// DaemonStopped records a stop attempt.
func (m *Metrics) DaemonStopped(role string, err error) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(role, result(err)).Inc()
}

// DaemonGone lowers the running gauge for the role.
func (m *Metrics) DaemonGone(role string) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(role).Dec()
}

// SetPhase records the session phase ordinal.
func (m *Metrics) SetPhase(ordinal int) {
	if m == nil {
		return
	}
	m.phase.Set(float64(ordinal))
}
