package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks pairing and rendezvous activity
type Metrics struct {
	PairsCreated     prometheus.Counter
	PairLookups      *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionsSwept    prometheus.Counter
	PeersConnected   prometheus.Gauge
	MessagesRelayed  prometheus.Counter
	MessagesBuffered prometheus.Counter
	MessagesDropped  prometheus.Counter
}

// NewMetrics creates and registers the signaling metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Metrics{
		PairsCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "signaling_pairs_created_total",
			Help: "Pair codes issued",
		}),
		PairLookups: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_pair_lookups_total",
			Help: "Pair code lookups by result",
		}, []string{"result"}),
		SessionsActive: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "signaling_sessions_active",
			Help: "Pair sessions held by the registry at the last sweep",
		}),
		SessionsSwept: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "signaling_sessions_swept_total",
			Help: "Expired pair sessions removed by the sweeper",
		}),
		PeersConnected: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "signaling_peers_connected",
			Help: "Rendezvous connections currently attached",
		}),
		MessagesRelayed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "signaling_messages_relayed_total",
			Help: "Frames delivered to the other role",
		}),
		MessagesBuffered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "signaling_messages_buffered_total",
			Help: "Frames held until the other role attached",
		}),
		MessagesDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "signaling_messages_dropped_total",
			Help: "Frames dropped because the buffer for an absent role was full",
		}),
	}
}
