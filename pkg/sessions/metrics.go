package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the session manager. One
// Metrics instance belongs to one Registry.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEvicted prometheus.Counter

	SyncTotal     *prometheus.CounterVec
	SyncCacheHits prometheus.Counter
	AttachOps     *prometheus.CounterVec

	PoolInUse    prometheus.Gauge
	PoolBorrows  prometheus.Counter
	PoolTimeouts prometheus.Counter

	QuerySeconds prometheus.Histogram
}

// NewMetrics creates and registers the session manager instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duckhub_sessions_active",
			Help: "Number of live engine sessions.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "duckhub_sessions_created_total",
			Help: "Sessions created since start.",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "duckhub_sessions_evicted_total",
			Help: "Sessions evicted for idleness or closed explicitly.",
		}),
		SyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duckhub_sync_total",
			Help: "Datasource sync reconciliations by outcome.",
		}, []string{"outcome"}),
		SyncCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "duckhub_sync_cache_hits_total",
			Help: "Syncs short-circuited by the converged-set cache.",
		}),
		AttachOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duckhub_attach_operations_total",
			Help: "ATTACH/DETACH operations by kind and status.",
		}, []string{"op", "status"}),
		PoolInUse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duckhub_pool_connections_in_use",
			Help: "Engine connections currently borrowed across all sessions.",
		}),
		PoolBorrows: factory.NewCounter(prometheus.CounterOpts{
			Name: "duckhub_pool_borrows_total",
			Help: "Successful connection borrows.",
		}),
		PoolTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "duckhub_pool_timeouts_total",
			Help: "Borrows that failed waiting for a free connection.",
		}),
		QuerySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duckhub_query_duration_seconds",
			Help:    "Wall time of query execution against the engine.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
