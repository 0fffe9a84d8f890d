// Package cache is the expiring key-value contract every state backend
// satisfies. Values are stored as JSON.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/metrics"
)

// ErrCorrupt is returned by GetJSON when a stored value could not be decoded.
// The backend has already dropped the entry, so callers treat it as a miss.
var ErrCorrupt = errors.New("unreadable cache entry")

// Cache stores JSON values under string keys. A ttl of zero or less means
// the entry never expires.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

func corrupt(key string, decodeErr, dropErr error) error {
	err := fmt.Errorf("%w %s: %v", ErrCorrupt, key, decodeErr)
	if dropErr != nil {
		err = errors.Join(err, fmt.Errorf("failed to drop %s: %w", key, dropErr))
	}
	return err
}

type instrumented struct {
	next    Cache
	backend string
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// WithMetrics records the latency of every operation under the backend label.
// Dropped unreadable entries are logged, counted and reported as misses.
func WithMetrics(c Cache, backend string, m *metrics.Metrics, logger *logrus.Logger) Cache {
	if m == nil {
		return c
	}
	return &instrumented{next: c, backend: backend, metrics: m, logger: logger}
}

func (i *instrumented) observe(op string, start time.Time) {
	i.metrics.StoreOperationDuration.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	defer i.observe("get", time.Now())

	hit, err := i.next.GetJSON(ctx, key, dst)
	if errors.Is(err, ErrCorrupt) {
		i.metrics.CorruptEntries.WithLabelValues(i.backend).Inc()
		if i.logger != nil {
			i.logger.WithError(err).WithFields(logrus.Fields{
				"backend": i.backend,
				"key":     key,
			}).Error("Dropped unreadable entry")
		}
		return false, nil
	}
	return hit, err
}

func (i *instrumented) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	defer i.observe("set", time.Now())
	return i.next.SetJSON(ctx, key, val, ttl)
}

func (i *instrumented) Del(ctx context.Context, keys ...string) error {
	defer i.observe("del", time.Now())
	return i.next.Del(ctx, keys...)
}
