// Package metrics defines prometheus collectors for the oxbow coordinator.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for coordinator events and gauges.
var (
	ViewsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxbow_views_created_total",
		Help: "Cumulative number of materialized views created.",
	})
	ViewsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxbow_views_dropped_total",
		Help: "Cumulative number of materialized views dropped.",
	})
	TargetsAdvancedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxbow_targets_advanced_total",
		Help: "Cumulative number of view target frontier advancements.",
	})
	ProgressRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxbow_progress_rejected_total",
		Help: "Cumulative number of rejected (regressing) replica progress reports.",
	})
	ReplicasSilencedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxbow_replicas_silenced_total",
		Help: "Cumulative number of replicas excluded from aggregation by liveness timeout.",
	})
	StalledViews = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oxbow_stalled_views",
		Help: "Number of views with zero live replicas (write frontier frozen).",
	})
	OutstandingReadHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oxbow_outstanding_read_holds",
		Help: "Number of outstanding read holds against upstream collections.",
	})
	ViewWriteFrontier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oxbow_view_write_frontier",
		Help: "Global write frontier of each view, in milliseconds of logical time.",
	}, []string{"view"})
)

// MustRegister registers all package collectors with the default registerer.
func MustRegister() {
	prometheus.MustRegister(
		ViewsCreatedTotal,
		ViewsDroppedTotal,
		TargetsAdvancedTotal,
		ProgressRejectedTotal,
		ReplicasSilencedTotal,
		StalledViews,
		OutstandingReadHolds,
		ViewWriteFrontier,
	)
}
