package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox dispatch
	OutboxDispatched        *prometheus.CounterVec
	OutboxFailedAttempts    *prometheus.CounterVec
	OutboxPermanentlyFailed *prometheus.CounterVec
	OutboxBatchDuration     prometheus.Histogram
	OutboxBatchErrors       prometheus.Counter

	// Outbox queue, refreshed every dispatch cycle
	OutboxPending          prometheus.Gauge
	OutboxFailedRows       prometheus.Gauge
	OutboxOldestPendingAge prometheus.Gauge

	// Inbox
	InboxMessages *prometheus.CounterVec
	InboxAttempts *prometheus.CounterVec

	// Consumer deliveries by settlement
	ConsumerDeliveries *prometheus.CounterVec

	// Reconciliation
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
}

// NewMetrics creates all application metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OutboxDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dispatched_total",
			Help:      "Total number of outbox messages published to the bus",
		}, []string{"event_type"}),
		OutboxFailedAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "failed_attempts_total",
			Help:      "Total number of failed delivery attempts",
		}, []string{"event_type"}),
		OutboxPermanentlyFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "permanently_failed_total",
			Help:      "Total number of messages that exhausted their attempts",
		}, []string{"event_type"}),
		OutboxBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_duration_seconds",
			Help:      "Time spent dispatching one outbox batch",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		OutboxBatchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "batch_errors_total",
			Help:      "Total number of rolled back dispatch batches",
		}),
		OutboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending_messages",
			Help:      "Current number of unprocessed messages that can still be attempted",
		}),
		OutboxFailedRows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "permanently_failed_messages",
			Help:      "Current number of messages that exhausted their attempts",
		}),
		OutboxOldestPendingAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest pending message",
		}),
		InboxMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "messages_total",
			Help:      "Total number of received messages by outcome",
		}, []string{"event_type", "outcome"}),
		InboxAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbox",
			Name:      "deferred_attempts_total",
			Help:      "Total number of deferred processing attempts by result",
		}, []string{"event_type", "result"}),
		ConsumerDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "deliveries_total",
			Help:      "Total number of bus deliveries by settlement",
		}, []string{"settlement"}),
		ReconcileOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "payments_total",
			Help:      "Total number of reconciled payments by outcome",
		}, []string{"method", "outcome"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one reconciliation cycle",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// NewNop returns metrics registered nowhere.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "delivery")
}
