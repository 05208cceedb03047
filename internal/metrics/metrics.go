// Package metrics exposes Prometheus collectors for the viewer. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"feedview/native/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	negotiations    *prometheus.CounterVec
	connectionState prometheus.Gauge
	recordings      *prometheus.CounterVec
	recordedBytes   prometheus.Counter
	settingsCalls   *prometheus.CounterVec
}

// New registers the viewer collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedview_negotiations_total",
			Help: "WHEP negotiations by result",
		}, []string{"result"}),

		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedview_connection_state",
			Help: "Session state: 0 notConnected, 1 connecting, 2 connected",
		}),

		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedview_recordings_total",
			Help: "Recordings by result",
		}, []string{"result"}),

		recordedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedview_recorded_bytes_total",
			Help: "Bytes written to finished recordings",
		}),

		settingsCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedview_settings_calls_total",
			Help: "Settings channel calls by setting and result",
		}, []string{"setting", "result"}),
	}

	reg.MustRegister(m.negotiations, m.connectionState, m.recordings, m.recordedBytes, m.settingsCalls)
	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) ObserveNegotiation(ok bool) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) SetConnectionState(state domain.ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) ObserveRecording(ok bool, bytes int) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(result(ok)).Inc()
	if ok {
		m.recordedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveSettingsCall(setting string, ok bool) {
	if m == nil {
		return
	}
	m.settingsCalls.WithLabelValues(setting, result(ok)).Inc()
}
