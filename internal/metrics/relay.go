package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shadow counters for cheap internal reads. Prometheus metrics cannot be
// read back directly, so the values the relay itself needs (connection
// caps, health endpoint) are mirrored here.
var (
	activeConnectionsCount int64
	messagesProcessedCount int64
	messagesSentCount      int64
	eventsStoredCount      int64
)

// GetActiveConnectionsCount returns the current number of active WebSocket connections
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// IncrementActiveConnections increments the connection gauge and local counter
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

// DecrementActiveConnections decrements the connection gauge and local counter
func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetMessagesProcessedCount returns the count of processed messages since start
func GetMessagesProcessedCount() int64 {
	return atomic.LoadInt64(&messagesProcessedCount)
}

// IncrementMessagesProcessed increments both the prometheus counter and the local counter
func IncrementMessagesProcessed() {
	MessagesReceived.Inc()
	atomic.AddInt64(&messagesProcessedCount, 1)
}

// IncrementMessagesSent increments both the prometheus counter and the local counter
func IncrementMessagesSent() {
	MessagesSent.Inc()
	atomic.AddInt64(&messagesSentCount, 1)
}

// SetEventsStored records the current size of the in-memory store
func SetEventsStored(n int64) {
	EventsStored.Set(float64(n))
	atomic.StoreInt64(&eventsStoredCount, n)
}

// GetEventsStoredCount returns the current size of the in-memory store
func GetEventsStoredCount() int64 {
	return atomic.LoadInt64(&eventsStoredCount)
}

// Metrics for tracking relay performance and usage
var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_relay_active_connections",
		Help: "The number of active WebSocket connections",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_relay_active_subscriptions",
		Help: "The number of active subscriptions",
	})

	// Message metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_relay_messages_received_total",
		Help: "The total number of messages received",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_relay_messages_sent_total",
		Help: "The total number of messages sent",
	})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nostr_relay_message_size_bytes",
		Help:    "Size of received messages in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6), // 10, 100, 1000, ..., 1000000
	})

	// Command metrics
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_relay_commands_received_total",
		Help: "The total number of commands received by type",
	}, []string{"type"}) // "EVENT", "REQ", "CLOSE", "TUNNEL"

	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nostr_relay_command_processing_duration_seconds",
		Help:    "Time to process different command types",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5), // 0.001, 0.01, 0.1, 1, 10
	}, []string{"type"})

	// Event metrics
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_relay_events_processed_total",
		Help: "The total number of events accepted by kind",
	}, []string{"kind"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_relay_events_rejected_total",
		Help: "The total number of events rejected by reason",
	}, []string{"reason"}) // "id_mismatch", "bad_signature", "stale_timestamp"

	EventsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nostr_relay_events_stored",
		Help: "The number of events currently held in the in-memory store",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_relay_duplicate_events_total",
		Help: "The total number of duplicate event submissions observed",
	})

	StorePurges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_relay_store_purges_total",
		Help: "The total number of periodic full-store purges",
	})

	BroadcastsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nostr_relay_broadcasts_delivered_total",
		Help: "The total number of live event deliveries to subscribers",
	})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_relay_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"}) // "validation", "websocket", "decode"
)

// RegisterMetrics pre-registers label values so the series exist from startup.
func RegisterMetrics() {
	for _, cmdType := range []string{"EVENT", "REQ", "CLOSE", "TUNNEL"} {
		CommandsReceived.WithLabelValues(cmdType)
		CommandProcessingDuration.WithLabelValues(cmdType)
	}
	for _, reason := range []string{"id_mismatch", "bad_signature", "stale_timestamp"} {
		EventsRejected.WithLabelValues(reason)
	}
}
