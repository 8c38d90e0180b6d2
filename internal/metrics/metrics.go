// ABOUTME: Prometheus metrics for the relay, AI bridge, fan-out and HTTP surface
// ABOUTME: Registered on the default registry via promauto and served at /metrics

// Package metrics provides Prometheus metrics for concierge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "concierge"

var (
	// MessagesPosted counts persisted messages by sender type.
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_posted_total",
			Help:      "Total messages persisted by the relay",
		},
		[]string{"sender_type"},
	)

	// PostFailures counts rejected or failed posts by error kind.
	PostFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "post_failures_total",
			Help:      "Total message posts that did not persist",
		},
		[]string{"reason"},
	)

	// DuplicatePosts counts client retries answered from the idempotency cache.
	DuplicatePosts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "duplicate_posts_total",
			Help:      "Total retried posts answered without a second write",
		},
	)

	// ConversationsCreated counts new conversations.
	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "conversations_created_total",
			Help:      "Total conversations created by the session router",
		},
	)

	// ConversationTransitions counts claim state machine transitions.
	ConversationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "conversation_transitions_total",
			Help:      "Total conversation status transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// ActiveSubscribers tracks live subscriptions across all topics.
	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "active_subscribers",
			Help:      "Number of currently registered subscribers",
		},
	)

	// EventsDropped counts events not delivered to a slow subscriber.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcaster",
			Name:      "events_dropped_total",
			Help:      "Total events dropped because a subscriber buffer was full",
		},
		[]string{"event_type"},
	)

	// EventsNotForwarded counts events kept local because the Redis outbox was full.
	EventsNotForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_not_forwarded_total",
			Help:      "Total events not forwarded to other instances because the outbox was full",
		},
		[]string{"event_type"},
	)

	// AIRequests counts responder calls by outcome.
	AIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aibridge",
			Name:      "requests_total",
			Help:      "Total AI responder calls",
		},
		[]string{"outcome"},
	)

	// AIRequestDuration tracks responder latency.
	AIRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aibridge",
			Name:      "request_duration_seconds",
			Help:      "AI responder call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// WebsocketConnections tracks open websocket connections.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Number of currently open websocket connections",
		},
	)

	// TasksProcessed counts background tasks by type and outcome.
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "tasks_processed_total",
			Help:      "Total background tasks handled",
		},
		[]string{"task_type", "outcome"},
	)
)

// AI outcome labels.
const (
	AIOutcomeReply       = "reply"
	AIOutcomeCanned      = "canned"
	AIOutcomeUnavailable = "unavailable"
)

// RecordTransition records a conversation status change.
func RecordTransition(fromState, toState string) {
	ConversationTransitions.WithLabelValues(fromState, toState).Inc()
}
