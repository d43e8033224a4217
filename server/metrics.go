package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the server's Prometheus collectors.
type Metrics struct {
	Connections    prometheus.Gauge
	UsersOnline    prometheus.Gauge
	FramesIn       prometheus.Counter
	FramesOut      prometheus.Counter
	Requests       *prometheus.CounterVec
	Relayed        prometheus.Counter
	OfflineQueued  prometheus.Counter
	ProtocolErrors prometheus.Counter
	RateLimited    prometheus.Counter
	Evictions      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd", Name: "connections",
			Help: "Open client connections.",
		}),
		UsersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd", Name: "users_online",
			Help: "Authenticated sessions.",
		}),
		FramesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "frames_received_total",
			Help: "Frames decoded from clients.",
		}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "frames_sent_total",
			Help: "Frames written to clients.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatd", Name: "requests_total",
			Help: "Routed requests by message type.",
		}, []string{"type"}),
		Relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "relayed_total",
			Help: "Messages delivered directly to an online recipient.",
		}),
		OfflineQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "offline_queued_total",
			Help: "Messages queued for an offline recipient.",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "protocol_errors_total",
			Help: "Connections closed because of a malformed frame.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "rate_limited_total",
			Help: "Frames dropped by the per-session rate limit.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd", Name: "evictions_total",
			Help: "Sessions replaced by a newer login of the same user.",
		}),
	}
}
