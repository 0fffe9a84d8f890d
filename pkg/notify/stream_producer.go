package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"support-router/pkg/constants"
	"support-router/pkg/models"
)

// StreamProducer appends escalations to a Redis stream so delivery survives
// a restart of this process and of the downstream system.
type StreamProducer struct {
	rdb    *redis.Client
	group  string
	logger *logrus.Logger
}

func NewStreamProducer(rdb *redis.Client, group string, logger *logrus.Logger) *StreamProducer {
	return &StreamProducer{rdb: rdb, group: group, logger: logger}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (sp *StreamProducer) EnsureGroup(ctx context.Context) error {
	err := sp.rdb.XGroupCreateMkStream(ctx, constants.EscalationStream, sp.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	sp.logger.WithField("consumer_group", sp.group).Info("Consumer group ready")
	return nil
}

func (sp *StreamProducer) Escalate(ctx context.Context, notice models.EscalationNotice) error {
	eventData, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation notice: %w", err)
	}

	messageID, err := sp.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.EscalationStream,
		Values: map[string]interface{}{
			"conversation_id": notice.ConversationID,
			"priority":        notice.Record.Priority,
			"triggered_at":    notice.Record.TriggeredAt.UnixMilli(),
			"event_data":      string(eventData),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}

	sp.logger.WithFields(logrus.Fields{
		"conversation_id": notice.ConversationID,
		"message_id":      messageID,
	}).Debug("Published escalation to stream")
	return nil
}
