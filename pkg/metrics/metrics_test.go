package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonCounters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.DaemonStarted("zebra", nil)
	m.DaemonStarted("zebra", nil)
	m.DaemonStarted("bgpd", errors.New("timeout"))
	m.DaemonStopped("zebra", nil)
	m.DaemonGone("zebra")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.starts.WithLabelValues("zebra", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.starts.WithLabelValues("bgpd", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stops.WithLabelValues("zebra", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running.WithLabelValues("zebra")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running.WithLabelValues("bgpd")))
}

func TestSessionPhase(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetPhase(3)

	want := `
# HELP chainlab_session_phase Ordinal of the current session phase.
# TYPE chainlab_session_phase gauge
chainlab_session_phase 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "chainlab_session_phase"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DaemonStarted("zebra", nil)
		m.DaemonStopped("zebra", errors.New("x"))
		m.DaemonGone("zebra")
		m.SetPhase(1)
	})
}

func TestUnregistered(t *testing.T) {
	m := New(nil)
	m.DaemonStarted("ripd", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running.WithLabelValues("ripd")))
}
