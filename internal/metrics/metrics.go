package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the relay and chat counters.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	SignalsRelayed   *prometheus.CounterVec
	SignalsDropped   *prometheus.CounterVec
	MessagesStored   *prometheus.CounterVec
	ActiveCalls      prometheus.Gauge
	PushesSent       prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_ws_connected_clients",
			Help: "Number of users with an open signaling socket",
		}),
		SignalsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_signals_relayed_total",
			Help: "The total number of envelopes forwarded between users",
		}, []string{"type"}),
		SignalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_signals_dropped_total",
			Help: "The total number of envelopes that could not be delivered",
		}, []string{"type", "reason"}),
		MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "The total number of chat messages persisted",
		}, []string{"kind"}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_calls_in_ledger",
			Help: "Number of ringing or active calls known to the relay",
		}),
		PushesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_push_notifications_total",
			Help: "The total number of web push notifications attempted",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ConnectedClients,
			m.SignalsRelayed,
			m.SignalsDropped,
			m.MessagesStored,
			m.ActiveCalls,
			m.PushesSent,
		)
	}
	return m
}
