package obs

import "github.com/prometheus/client_golang/prometheus"

var (
	EnvelopesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "envelopes_received_total",
		Help: "Total number of envelopes successfully decoded by the listener",
	})
	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "envelopes_dropped_total",
		Help: "Total number of envelopes dropped, by reason",
	}, []string{"reason"})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "listener_connections_active",
		Help: "Current number of accepted listener connections",
	})
	ConnectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "listener_connections_rejected_total",
		Help: "Total number of connections rejected by admission control",
	})
	BufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "correlation_buffer_depth",
		Help: "Current per-source buffer length",
	}, []string{"source"})
	FlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "correlation_flushes_total",
		Help: "Total number of per-source flushes, by trigger",
	}, []string{"trigger"})
	BatchesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_batches_routed_total",
		Help: "Total number of batches routed to a backend",
	}, []string{"backend", "result"})
	BackendSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backend_send_duration_seconds",
		Help:    "Histogram of send_batch latencies per backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_circuit_breaker_state",
		Help: "0 closed, 1 degraded, 2 open, 3 half_open",
	}, []string{"backend"})
	BreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_circuit_breaker_trips_total",
		Help: "Count of times a backend's breaker transitioned to open",
	}, []string{"backend"})
	IngestRowsInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rows_inserted_total",
		Help: "Total rows inserted by the ingest write path, by table",
	}, []string{"table"})
	IngestSkewRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_skew_rejections_total",
		Help: "Total events rejected by the ingest write path for clock skew",
	})
	BackendHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_healthy",
		Help: "1 if the backend's last periodic health probe succeeded, else 0",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(
		EnvelopesReceived, EnvelopesDropped, ConnectionsActive, ConnectionsRejected,
		BufferDepth, FlushesTotal, BatchesRouted, BackendSendDuration,
		BreakerState, BreakerTrips, IngestRowsInserted, IngestSkewRejections,
		BackendHealthy,
	)
}
