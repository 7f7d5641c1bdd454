package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Process-wide telemetry registry. Initialised once at startup, read by
// every pool through these package-level handles. The labelled counters
// are prometheus CounterVecs, which shard their label map internally,
// so there is no shared mutex on the hot path.

var (
	// Messages FROM clients TO relay, by verb (EVENT, REQ, CLOSE, NEG-OPEN, ...)
	ClientMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_client_messages_total",
		Help: "Total number of Nostr client messages by verb",
	}, []string{"verb"})

	// Messages FROM relay TO clients, by verb (EVENT, EOSE, OK, NOTICE, ...)
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_relay_messages_total",
		Help: "Total number of Nostr relay messages by verb",
	}, []string{"verb"})

	// Accepted events by kind
	EventsByKind = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nostr_events_total",
		Help: "Total number of Nostr events by kind",
	}, []string{"kind"})

	// Install outcomes (stored, duplicate, replaced, shadowed, rejected)
	InstallOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_install_outcomes_total",
		Help: "Total number of event install outcomes",
	}, []string{"outcome"})

	WriterBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_writer_batches_total",
		Help: "Total number of committed writer batches",
	})

	WriterCommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_writer_commit_retries_total",
		Help: "Total number of transient commit retries",
	})

	ScanYields = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_scan_yields_total",
		Help: "Total number of historical scans re-queued after exhausting their timeslice budget",
	})

	ActiveSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_subscriptions",
		Help: "Number of live subscriptions across all connections",
	})

	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of open websocket connections",
	})

	NegentropySessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_negentropy_sessions",
		Help: "Number of open negentropy reconciliation sessions",
	})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Current depth of the bounded inter-pool queues",
	}, []string{"queue"})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		ClientMessages,
		RelayMessages,
		EventsByKind,
		InstallOutcomes,
		WriterBatches,
		WriterCommitRetries,
		ScanYields,
		ActiveSubscriptions,
		ActiveConnections,
		NegentropySessions,
		QueueDepth,
	)
}

// Registry returns the process-wide prometheus registry.
func Registry() *prometheus.Registry {
	return registry
}

// CountEvent records an accepted event by kind.
func CountEvent(kind int) {
	EventsByKind.WithLabelValues(strconv.Itoa(kind)).Inc()
}
