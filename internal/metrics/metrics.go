// Package metrics defines the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coordinator"

type Coordinator struct {
	RoomsActive      prometheus.Gauge
	ParticipantsLive prometheus.Gauge
	SignalsRelayed   *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	ChatMessages     prometheus.Counter
	SessionsEvicted  *prometheus.CounterVec
	AuthFailures     prometheus.Counter
}

func New(reg prometheus.Registerer) *Coordinator {
	f := promauto.With(reg)
	return &Coordinator{
		RoomsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms currently open.",
		}),
		ParticipantsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_live",
			Help:      "Live participants across all rooms.",
		}),
		SignalsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_relayed_total",
			Help:      "Signaling messages delivered to a peer connection.",
		}, []string{"kind"}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_delivery_failures_total",
			Help:      "Signaling messages that could not be delivered.",
		}),
		ChatMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages sequenced and broadcast.",
		}),
		SessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Connections closed by the server.",
		}, []string{"reason"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection or request tokens.",
		}),
	}
}

// NewNop registers into a throwaway registry.
func NewNop() *Coordinator {
	return New(prometheus.NewRegistry())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
