// ABOUTME: Prometheus metrics for the broker and conversation service
// ABOUTME: Package-level collectors registered via promauto with small Record helpers

// Package metrics provides Prometheus metrics for fireside-gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for ConversationOps.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	// BrokerConnections tracks the number of open WebSocket connections.
	BrokerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fireside_broker_connections",
			Help: "Number of currently open broker connections",
		},
	)

	// BrokerSubscriptions tracks the number of live (connection, destination) subscriptions.
	BrokerSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fireside_broker_subscriptions",
			Help: "Number of active broker subscriptions",
		},
	)

	// BrokerFramesPublished counts MESSAGE frames handed to subscribers.
	BrokerFramesPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fireside_broker_frames_published_total",
			Help: "Total number of MESSAGE frames delivered to subscriber send buffers",
		},
	)

	// BrokerDeliveriesDropped counts deliveries skipped because a connection was closed or too slow.
	BrokerDeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fireside_broker_deliveries_dropped_total",
			Help: "Total number of deliveries dropped for closed or slow connections",
		},
	)

	// ConversationOps counts conversation service operations by operation and outcome.
	ConversationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireside_conversation_operations_total",
			Help: "Total number of conversation service operations",
		},
		[]string{"op", "outcome"},
	)

	// SideEffectFailures counts best-effort publishes and notifications that failed.
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireside_side_effect_failures_total",
			Help: "Total number of failed best-effort publishes and notifications",
		},
		[]string{"kind"},
	)
)

// RecordConnectionOpened increments the open connection gauge.
func RecordConnectionOpened() {
	BrokerConnections.Inc()
}

// RecordConnectionClosed decrements the open connection gauge and drops its subscriptions.
func RecordConnectionClosed(subscriptions int) {
	BrokerConnections.Dec()
	BrokerSubscriptions.Sub(float64(subscriptions))
}

// RecordSubscribed increments the subscription gauge.
func RecordSubscribed() {
	BrokerSubscriptions.Inc()
}

// RecordUnsubscribed decrements the subscription gauge.
func RecordUnsubscribed() {
	BrokerSubscriptions.Dec()
}

// RecordPublished records a publish that reached delivered subscribers and skipped dropped ones.
func RecordPublished(delivered, dropped int) {
	BrokerFramesPublished.Add(float64(delivered))
	BrokerDeliveriesDropped.Add(float64(dropped))
}

// RecordConversationOp records the outcome of a conversation service operation.
func RecordConversationOp(op string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	ConversationOps.WithLabelValues(op, outcome).Inc()
}

// RecordSideEffectFailure records a failed best-effort side effect.
func RecordSideEffectFailure(kind string) {
	SideEffectFailures.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler that exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
