// Package notify hands escalations to the human-agent side: a log line, an
// HTTP webhook, or a Redis stream drained by a consumer group.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"support-router/pkg/metrics"
	"support-router/pkg/models"
)

type Notifier interface {
	Escalate(ctx context.Context, notice models.EscalationNotice) error
}

// LogNotifier only records the escalation.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Escalate(ctx context.Context, notice models.EscalationNotice) error {
	n.logger.WithFields(logrus.Fields{
		"conversation_id": notice.ConversationID,
		"user_id":         notice.UserID,
		"topic":           notice.Record.Topic,
		"priority":        notice.Record.Priority,
		"confidence":      notice.Record.LastConfidence,
		"tags":            notice.Record.Tags,
	}).Warn("Conversation escalated to human agent")
	return nil
}

type instrumented struct {
	next    Notifier
	channel string
	metrics *metrics.Metrics
}

// WithMetrics counts notifications by channel and outcome.
func WithMetrics(n Notifier, channel string, m *metrics.Metrics) Notifier {
	if m == nil {
		return n
	}
	return &instrumented{next: n, channel: channel, metrics: m}
}

func (i *instrumented) Escalate(ctx context.Context, notice models.EscalationNotice) error {
	err := i.next.Escalate(ctx, notice)
	status := "success"
	if err != nil {
		status = "error"
	}
	i.metrics.EscalationNotificationsSent.WithLabelValues(i.channel, status).Inc()
	return err
}
