package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"support-router/pkg/constants"
	"support-router/pkg/metrics"
	"support-router/pkg/models"
)

const (
	readCount      = 10
	readBlock      = time.Second
	recoveryPeriod = 30 * time.Second
	claimMinIdle   = time.Minute
)

// StreamConsumer drains the escalation stream into a downstream notifier.
// Messages are acknowledged only after the downstream accepted them; anything
// left pending is reclaimed periodically.
type StreamConsumer struct {
	rdb          *redis.Client
	group        string
	consumerName string
	downstream   Notifier
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	stopCh       chan struct{}
}

func NewStreamConsumer(rdb *redis.Client, group, podID string, downstream Notifier, logger *logrus.Logger, m *metrics.Metrics) *StreamConsumer {
	return &StreamConsumer{
		rdb:          rdb,
		group:        group,
		consumerName: fmt.Sprintf("consumer-%s", podID),
		downstream:   downstream,
		logger:       logger,
		metrics:      m,
		stopCh:       make(chan struct{}),
	}
}

func (sc *StreamConsumer) Start(ctx context.Context) {
	sc.logger.WithField("consumer_name", sc.consumerName).Info("Starting escalation stream consumer")

	go sc.consumeLoop(ctx)
	go sc.pendingMessagesRecovery(ctx)
}

func (sc *StreamConsumer) Stop() {
	close(sc.stopCh)
}

func (sc *StreamConsumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		default:
			sc.consumeMessages(ctx)
		}
	}
}

func (sc *StreamConsumer) consumeMessages(ctx context.Context) {
	streams, err := sc.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sc.group,
		Consumer: sc.consumerName,
		Streams:  []string{constants.EscalationStream, ">"},
		Count:    readCount,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if err != redis.Nil && ctx.Err() == nil {
			sc.logger.WithError(err).Error("Failed to read from stream")
			// avoid spinning while Redis is unreachable
			time.Sleep(readBlock)
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			sc.processMessage(ctx, message)
		}
	}
}

func (sc *StreamConsumer) processMessage(ctx context.Context, message redis.XMessage) {
	notice, err := parseNotice(message)
	if err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to parse escalation event")
		sc.metrics.StreamMessagesProcessed.WithLabelValues("parse_error").Inc()
		// a malformed message will never parse; drop it
		_ = sc.acknowledgeMessage(ctx, message.ID)
		return
	}

	if err := sc.downstream.Escalate(ctx, notice); err != nil {
		sc.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": notice.ConversationID,
			"message_id":      message.ID,
		}).Error("Failed to deliver escalation")
		sc.metrics.StreamMessagesProcessed.WithLabelValues("notification_error").Inc()
		// left pending for recovery
		return
	}

	if err := sc.acknowledgeMessage(ctx, message.ID); err != nil {
		sc.logger.WithError(err).WithField("message_id", message.ID).Error("Failed to acknowledge message")
		return
	}

	sc.metrics.StreamMessagesProcessed.WithLabelValues("success").Inc()
	sc.logger.WithFields(logrus.Fields{
		"conversation_id": notice.ConversationID,
		"message_id":      message.ID,
	}).Debug("Delivered escalation event")
}

func parseNotice(message redis.XMessage) (models.EscalationNotice, error) {
	var notice models.EscalationNotice

	data, ok := message.Values["event_data"].(string)
	if !ok {
		return notice, fmt.Errorf("missing or invalid event_data")
	}
	if err := json.Unmarshal([]byte(data), &notice); err != nil {
		return notice, fmt.Errorf("invalid event_data: %w", err)
	}
	if notice.ConversationID == "" {
		return notice, fmt.Errorf("event has no conversation_id")
	}
	return notice, nil
}

func (sc *StreamConsumer) acknowledgeMessage(ctx context.Context, messageID string) error {
	return sc.rdb.XAck(ctx, constants.EscalationStream, sc.group, messageID).Err()
}

func (sc *StreamConsumer) pendingMessagesRecovery(ctx context.Context) {
	ticker := time.NewTicker(recoveryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stopCh:
			return
		case <-ticker.C:
			sc.processPendingMessages(ctx, claimMinIdle)
		}
	}
}

// processPendingMessages claims messages idle for at least minIdle, from any
// consumer in the group, and retries them.
func (sc *StreamConsumer) processPendingMessages(ctx context.Context, minIdle time.Duration) {
	pending, err := sc.rdb.XPending(ctx, constants.EscalationStream, sc.group).Result()
	if err != nil {
		sc.logger.WithError(err).Error("Failed to get pending messages")
		return
	}
	if pending.Count == 0 {
		return
	}

	sc.logger.WithField("pending_count", pending.Count).Info("Processing pending escalation messages")

	messages, _, err := sc.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   constants.EscalationStream,
		Group:    sc.group,
		Consumer: sc.consumerName,
		MinIdle:  minIdle,
		Count:    readCount,
		Start:    "0-0",
	}).Result()
	if err != nil {
		sc.logger.WithError(err).Error("Failed to auto-claim pending messages")
		return
	}

	for _, message := range messages {
		sc.processMessage(ctx, message)
	}
}
