package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks relay storage activity
type Metrics struct {
	TransfersCreated prometheus.Counter
	TransfersDeleted *prometheus.CounterVec
	ChunksStored     prometheus.Counter
	BytesStored      prometheus.Counter
	ChunksServed     prometheus.Counter
	BytesServed      prometheus.Counter
	ChunkRejections  *prometheus.CounterVec
}

// NewMetrics creates and registers the relay metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &Metrics{
		TransfersCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "relay_transfers_created_total",
			Help: "Transfers registered with the relay",
		}),
		TransfersDeleted: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transfers_deleted_total",
			Help: "Transfers removed, by reason",
		}, []string{"reason"}),
		ChunksStored: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_stored_total",
			Help: "Chunk uploads accepted",
		}),
		BytesStored: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_stored_total",
			Help: "Bytes accepted in chunk uploads",
		}),
		ChunksServed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_served_total",
			Help: "Chunk downloads served",
		}),
		BytesServed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_served_total",
			Help: "Bytes served in chunk downloads",
		}),
		ChunkRejections: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_chunk_rejections_total",
			Help: "Chunk uploads rejected, by error code",
		}, []string{"code"}),
	}
}
