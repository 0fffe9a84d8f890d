// Package store persists conversations and the delivery idempotency log on
// top of a cache.Cache backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"support-router/pkg/cache"
	"support-router/pkg/constants"
	"support-router/pkg/models"
)

var ErrNotFound = errors.New("conversation not found")

// Conversations is the keyed, expiring conversation store. A conversation is
// never returned once its ExpiresAt has passed, whatever the backend holds.
type Conversations struct {
	cache cache.Cache
	now   func() time.Time
}

func NewConversations(c cache.Cache, now func() time.Time) *Conversations {
	if now == nil {
		now = time.Now
	}
	return &Conversations{cache: c, now: now}
}

func conversationKey(id string) string {
	return constants.ConversationKeyPrefix + id
}

func (s *Conversations) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	hit, err := s.cache.GetJSON(ctx, conversationKey(id), &conv)
	if errors.Is(err, cache.ErrCorrupt) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if !hit || conv.Expired(s.now()) {
		return nil, ErrNotFound
	}
	if conv.Turns == nil {
		conv.Turns = []models.Message{}
	}
	return &conv, nil
}

// Put writes conv with a TTL that lands on its fixed ExpiresAt.
func (s *Conversations) Put(ctx context.Context, conv *models.Conversation) error {
	ttl := conv.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.cache.Del(ctx, conversationKey(conv.ID))
	}
	if err := s.cache.SetJSON(ctx, conversationKey(conv.ID), conv, ttl); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *Conversations) Delete(ctx context.Context, id string) error {
	return s.cache.Del(ctx, conversationKey(id))
}

// Deliveries remembers the outcome of every processed delivery so a redelivery
// is answered without running the pipeline again.
type Deliveries struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewDeliveries(c cache.Cache, ttl time.Duration) *Deliveries {
	return &Deliveries{cache: c, ttl: ttl}
}

func deliveryKey(key string) string {
	return constants.DeliveryKeyPrefix + key
}

func (d *Deliveries) Lookup(ctx context.Context, key string) (*models.TurnResult, bool, error) {
	var result models.TurnResult
	hit, err := d.cache.GetJSON(ctx, deliveryKey(key), &result)
	if errors.Is(err, cache.ErrCorrupt) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up delivery %s: %w", key, err)
	}
	if !hit {
		return nil, false, nil
	}
	return &result, true, nil
}

func (d *Deliveries) Remember(ctx context.Context, key string, result *models.TurnResult) error {
	if err := d.cache.SetJSON(ctx, deliveryKey(key), result, d.ttl); err != nil {
		return fmt.Errorf("failed to remember delivery %s: %w", key, err)
	}
	return nil
}
