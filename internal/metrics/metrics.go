package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RulesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_rules_executed_total",
		Help: "Total rule execution passes, labelled by rule family.",
	}, []string{"family"})

	TicketsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_tickets_matched_total",
		Help: "Total tickets matched by rule condition trees.",
	})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_actions_total",
		Help: "Total actions processed, labelled by action name and outcome (executed, skipped, failed).",
	}, []string{"action", "outcome"})

	CascadesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_cascades_enqueued_total",
		Help: "Total cascade re-evaluation jobs enqueued.",
	})

	CascadesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_cascades_dropped_total",
		Help: "Total cascade jobs dropped by the depth/visited guard.",
	})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketflow_queue_jobs_enqueued_total",
		Help: "Total jobs placed on the background queue, labelled by type.",
	}, []string{"type"})

	JobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_queue_jobs_dropped_total",
		Help: "Total jobs rejected due to a full queue.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ticketflow_queue_depth",
		Help: "Current number of jobs waiting on the background queue.",
	})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticketflow_rule_execution_duration_ms",
		Help:    "Full rule execution pass latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	RateLimitDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketflow_ratelimit_drops_total",
		Help: "Total requests rejected by the rate limiter (HTTP 429).",
	})
)
