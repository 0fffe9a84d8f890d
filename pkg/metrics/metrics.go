package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TurnsProcessed              *prometheus.CounterVec
	StageDuration               *prometheus.HistogramVec
	CollaboratorFailures        *prometheus.CounterVec
	DuplicateDeliveries         prometheus.Counter
	EscalationsTotal            *prometheus.CounterVec
	StoreOperationDuration      *prometheus.HistogramVec
	CorruptEntries              *prometheus.CounterVec
	StreamMessagesProcessed     *prometheus.CounterVec
	EscalationNotificationsSent *prometheus.CounterVec
	WebhookRejections           prometheus.Counter
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in the service and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "support_turns_processed_total",
			Help: "Total number of inbound turns processed, by outcome",
		}, []string{"outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "support_stage_duration_seconds",
			Help:    "Time taken by each pipeline stage",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		CollaboratorFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "support_collaborator_failures_total",
			Help: "External collaborator failures absorbed by a stage fallback",
		}, []string{"stage"}),
		DuplicateDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "support_duplicate_deliveries_total",
			Help: "Total number of deliveries answered from the idempotency log",
		}),
		EscalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "support_escalations_total",
			Help: "Total number of escalations to a human agent",
		}, []string{"topic", "priority"}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "support_store_operation_duration_seconds",
			Help:    "Time taken for state store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		CorruptEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "support_store_corrupt_entries_total",
			Help: "Stored entries dropped because they could not be decoded",
		}, []string{"backend"}),
		StreamMessagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "support_stream_messages_processed_total",
			Help: "Total number of escalation stream messages processed",
		}, []string{"status"}),
		EscalationNotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "support_escalation_notifications_total",
			Help: "Escalation notifications handed to the human-agent system",
		}, []string{"channel", "status"}),
		WebhookRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "support_webhook_rejections_total",
			Help: "Webhook deliveries rejected by signature verification",
		}),
	}
}
