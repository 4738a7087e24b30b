// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Propagation
	TriggerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relgraph_trigger_executions_total",
		Help: "Trigger execution log entries by status",
	}, []string{"status"})

	StaleEdgesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relgraph_stale_rule_edges_removed_total",
		Help: "Rule-created relations removed because their target stopped matching",
	})

	// Batch rescans
	BatchScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relgraph_batch_scans_total",
		Help: "Batch rescan attempts by outcome",
	}, []string{"outcome", "trigger_source"})

	BatchScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relgraph_batch_scan_duration_seconds",
		Help:    "Wall time of batch rescans that acquired the model lock",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	})

	// In-process worker pool
	PoolJobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relgraph_pool_jobs_dropped_total",
		Help: "Background jobs rejected because the pool queue was full",
	})

	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relgraph_http_requests_total",
		Help: "HTTP requests by route pattern, method and status code",
	}, []string{"route", "method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relgraph_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
