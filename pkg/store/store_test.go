package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-router/pkg/cache"
	"support-router/pkg/models"
)

type failingCache struct{}

func (failingCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingCache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	return errors.New("connection refused")
}

func (failingCache) Del(ctx context.Context, keys ...string) error {
	return errors.New("connection refused")
}

// unreadableCache answers every read the way a backend does after dropping an
// entry it could not decode.
type unreadableCache struct{ cache.Cache }

func (unreadableCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	return false, fmt.Errorf("%w %s: unexpected end of JSON input", cache.ErrCorrupt, key)
}

func TestConversations_RoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewConversations(cache.NewMemoryCache(), func() time.Time { return now })

	conv := models.NewConversation("c1", "u1", now, time.Hour)
	conv.Append(models.RoleUser, "hello", now)
	require.NoError(t, s.Put(ctx, conv))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "hello", got.Turns[0].Text)
	assert.True(t, got.ExpiresAt.Equal(conv.ExpiresAt))
}

func TestConversations_MissingIsNotFound(t *testing.T) {
	s := NewConversations(cache.NewMemoryCache(), nil)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversations_ExpiredIsNotFoundEvenIfBackendStillHoldsIt(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	s := NewConversations(cache.NewMemoryCache(), func() time.Time { return clock })

	conv := models.NewConversation("c1", "u1", now, time.Hour)
	require.NoError(t, s.Put(ctx, conv))

	// the memory backend uses wall time, so only the store clock moves
	clock = now.Add(time.Hour)
	_, err := s.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversations_PutExpiredDeletes(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	mem := cache.NewMemoryCache()
	s := NewConversations(mem, func() time.Time { return clock })

	conv := models.NewConversation("c1", "u1", now, time.Hour)
	require.NoError(t, s.Put(ctx, conv))
	clock = now.Add(2 * time.Hour)
	require.NoError(t, s.Put(ctx, conv))
	assert.Equal(t, 0, mem.Len())
}

func TestConversations_BackendErrors(t *testing.T) {
	ctx := context.Background()
	s := NewConversations(failingCache{}, nil)

	_, err := s.Get(ctx, "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	err = s.Put(ctx, models.NewConversation("c1", "u1", time.Now(), time.Hour))
	assert.Error(t, err)
}

func TestDeliveries(t *testing.T) {
	ctx := context.Background()
	d := NewDeliveries(cache.NewMemoryCache(), time.Hour)

	_, ok, err := d.Lookup(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Remember(ctx, "evt-1", &models.TurnResult{ConversationID: "c1", Response: "hi"}))

	got, ok, err := d.Lookup(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "hi", got.Response)
}

func TestUnreadableEntriesReadAsMissing(t *testing.T) {
	ctx := context.Background()
	backing := unreadableCache{cache.NewMemoryCache()}

	_, err := NewConversations(backing, nil).Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, cache.ErrCorrupt)

	_, ok, err := NewDeliveries(backing, time.Hour).Lookup(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
