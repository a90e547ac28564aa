// Package metrics exposes the engine's Prometheus collectors. Collectors are
// package globals registered once with the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_refresh_total", Help: "Snapshot refreshes by venue and result"},
		[]string{"venue", "result"},
	)
	SnapshotsCached = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "convbot_snapshots_cached", Help: "Snapshots held in the cache per venue"},
		[]string{"venue"},
	)
	CacheDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "convbot_cache_degraded", Help: "1 while the cache is serving a retained snapshot set"},
	)
	RankedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_ranked_total", Help: "Ranker evaluations by layer and outcome"},
		[]string{"layer", "outcome"},
	)
	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_proposals_total", Help: "Arbiter decisions by layer, outcome and reason"},
		[]string{"layer", "outcome", "reason"},
	)
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "convbot_arbitration_cycles_total", Help: "Completed arbitration cycles"},
	)
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_executions_total", Help: "Execution attempts by venue and status"},
		[]string{"venue", "status"},
	)
	AuditDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_audit_dropped_total", Help: "Audit entries dropped or failed per backend"},
		[]string{"backend"},
	)
	WorkerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_worker_errors_total", Help: "Strategy layer passes that failed or panicked"},
		[]string{"layer"},
	)
	ConnectorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convbot_connector_call_seconds",
			Help:    "Connector call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"venue", "op"},
	)
	StreamPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "convbot_stream_messages_total", Help: "Audit stream messages by topic and result"},
		[]string{"topic", "result"},
	)
	StreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convbot_stream_publish_seconds",
			Help:    "Audit stream publish latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
	ArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "convbot_archived_records_total", Help: "Arbitration records archived to object storage"},
	)
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "convbot_ws_clients", Help: "Connected websocket clients"},
	)
)

func init() {
	prometheus.MustRegister(
		RefreshTotal, SnapshotsCached, CacheDegraded,
		RankedTotal, ProposalsTotal, CyclesTotal,
		ExecutionsTotal, AuditDropped, WorkerErrors, ConnectorLatency,
		StreamPublished, StreamLatency, ArchivedTotal, WSClients,
	)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
