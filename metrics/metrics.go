package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted tracks admitted tasks by category and operation.
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensway_tasks_submitted_total",
			Help: "Total number of tasks admitted into the orchestration core",
		},
		[]string{"category", "operation"},
	)

	// TasksCompleted tracks terminal transitions by category and final status.
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensway_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state",
		},
		[]string{"category", "status"},
	)

	// TasksThrottled tracks submissions deferred by the rate-limit gate.
	TasksThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensway_tasks_throttled_total",
			Help: "Total number of submissions admitted as THROTTLED",
		},
		[]string{"category"},
	)

	// TaskDuration observes wall-clock execution time of terminal tasks.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opensway_task_duration_seconds",
			Help:    "Histogram of task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	// QueueDepth reports the current backlog length per queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opensway_queue_depth",
			Help: "Current backlog length per execution queue",
		},
		[]string{"queue"},
	)

	// QueueRunning reports leased concurrency slots per queue.
	QueueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opensway_queue_running",
			Help: "Currently leased concurrency slots per execution queue",
		},
		[]string{"queue"},
	)

	// WorkersReclaimed counts workers presumed dead after missing heartbeats.
	WorkersReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opensway_workers_reclaimed_total",
			Help: "Total number of workers reclaimed after heartbeat expiry",
		},
	)

	// WebhookDeliveries counts webhook delivery outcomes.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opensway_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // "delivered", "retried" or "exhausted"
	)

	// CreditsCommitted counts credits charged on terminal transitions.
	CreditsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opensway_credits_committed_total",
			Help: "Total credits committed by finished tasks",
		},
	)
)
