package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the relay. Each Registry
// owns its own prometheus.Registry so instances never collide.
type Registry struct {
	SessionsActive    prometheus.Gauge
	ConnectionsActive prometheus.Gauge

	MessagesInbound     *prometheus.CounterVec
	BroadcastsSent      prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	SendBufferDropped   prometheus.Counter
	Evictions           prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec

	BytesIn  prometheus.Counter
	BytesOut prometheus.Counter

	reg *prometheus.Registry
}

// NewRegistry creates all collectors on a fresh registry, including the
// standard Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asterian_sessions_active",
			Help: "Number of joined player sessions",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asterian_connections_active",
			Help: "Number of open WebSocket connections (joined or pending)",
		}),
		MessagesInbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asterian_messages_inbound_total",
			Help: "Inbound messages dispatched, by message type",
		}, []string{"type"}),
		BroadcastsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "asterian_broadcasts_total",
			Help: "Broadcast fan-outs performed",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asterian_frames_dropped_total",
			Help: "Inbound frames dropped, by reason (malformed, unknown_type, pending, rate_limited)",
		}, []string{"reason"}),
		SendBufferDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "asterian_send_buffer_dropped_total",
			Help: "Outbound frames dropped because a client send buffer was full",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "asterian_evictions_total",
			Help: "Sessions evicted by the heartbeat monitor",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asterian_connections_rejected_total",
			Help: "Connections rejected before joining, by reason (capacity, rate_limit, overload, shutdown)",
		}, []string{"reason"}),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "asterian_bytes_in_total",
			Help: "Bytes received over WebSocket connections",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "asterian_bytes_out_total",
			Help: "Bytes written over WebSocket connections",
		}),
		reg: reg,
	}
}

// Handler returns the HTTP handler exposing this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
