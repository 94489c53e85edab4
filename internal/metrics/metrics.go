// Package metrics holds the fabric server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for DroppedFrames.
const (
	DropReasonRateLimited = "rate_limited"
	DropReasonMalformed   = "malformed"
	DropReasonBufferFull  = "buffer_full"
	DropReasonTooLarge    = "too_large"
)

// Metrics is a set of collectors registered on their own registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Connections    prometheus.Gauge
	Logins         *prometheus.CounterVec
	Published      *prometheus.CounterVec
	PresenceEvents *prometheus.CounterVec
	TokensIssued   prometheus.Counter
	TokenWarnings  prometheus.Counter
	DroppedFrames  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtm",
			Name:      "connections",
			Help:      "Open fabric websocket connections.",
		}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtm",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtm",
			Name:      "published_messages_total",
			Help:      "Messages published by custom type.",
		}, []string{"custom_type"}),
		PresenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtm",
			Name:      "presence_events_total",
			Help:      "Presence events emitted by type.",
		}, []string{"event_type"}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtm",
			Name:      "tokens_issued_total",
			Help:      "Tokens signed by the issuer endpoint.",
		}),
		TokenWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtm",
			Name:      "token_expiry_warnings_total",
			Help:      "tokenExpiring events sent to clients.",
		}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtm",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.Connections,
		m.Logins,
		m.Published,
		m.PresenceEvents,
		m.TokensIssued,
		m.TokenWarnings,
		m.DroppedFrames,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
