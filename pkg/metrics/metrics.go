// Package metrics defines the Prometheus series updraft exposes: fleet-wide
// host state/version gauges and the apiserver request counter.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	v2 "updraft.io/updraft/pkg/apis/updates/v2"
)

// HostMetrics aggregates the fleet's shadows into per-state and per-version
// counts.
type HostMetrics struct {
	state   *prometheus.GaugeVec
	version *prometheus.GaugeVec
}

// NewHostMetrics registers the host gauges with reg.
func NewHostMetrics(reg prometheus.Registerer) *HostMetrics {
	m := &HostMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hosts_state",
			Help: "Number of hosts in each update state machine state.",
		}, []string{"state"}),
		version: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hosts_version",
			Help: "Number of hosts running each OS version.",
		}, []string{"version"}),
	}

	reg.MustRegister(m.state, m.version)

	return m
}

// Observe replaces the gauge values with counts computed from shadows.
// Stale label sets from the previous observation are dropped so that a host
// leaving a state does not linger at zero forever.
func (m *HostMetrics) Observe(shadows []v2.HostShadow) {
	stateCounts := map[v2.State]int{}
	versionCounts := map[string]int{}

	for i := range shadows {
		status := shadows[i].Status
		if status == nil {
			continue
		}

		stateCounts[status.CurrentState]++

		if status.CurrentVersion != "" {
			versionCounts[status.CurrentVersion]++
		}
	}

	m.state.Reset()
	for state, count := range stateCounts {
		m.state.WithLabelValues(string(state)).Set(float64(count))
	}

	m.version.Reset()
	for version, count := range versionCounts {
		m.version.WithLabelValues(version).Set(float64(count))
	}
}

// RequestMetrics counts apiserver requests by path template and status code.
type RequestMetrics struct {
	total *prometheus.CounterVec
}

// NewRequestMetrics registers the request counter with reg.
func NewRequestMetrics(reg prometheus.Registerer) *RequestMetrics {
	m := &RequestMetrics{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apiserver_requests_total",
			Help: "Requests handled by the updraft apiserver.",
		}, []string{"path", "code"}),
	}

	reg.MustRegister(m.total)

	return m
}

// Inc records one handled request.
func (m *RequestMetrics) Inc(path string, code int) {
	m.total.WithLabelValues(path, strconv.Itoa(code)).Inc()
}
