package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"support-router/pkg/metrics"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is a process-local Cache. Expired entries are invisible to
// reads immediately and removed by Sweep.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.expired(e) {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, corrupt(key, err, c.Del(ctx, key))
	}
	return true, nil
}

func (c *MemoryCache) SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	e := memoryEntry{data: b}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Del(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
	return nil
}

// Sweep drops expired entries.
func (c *MemoryCache) Sweep() (SweepResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res SweepResult
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			res.Expired++
		}
	}
	return res, nil
}

// Len counts entries including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Expired int
	Corrupt int
}

// Sweeper is implemented by backends that need periodic expiry.
type Sweeper interface {
	Sweep() (SweepResult, error)
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func RunJanitor(ctx context.Context, s Sweeper, backend string, interval time.Duration, logger *logrus.Logger, m *metrics.Metrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(s, backend, logger, m)
		}
	}
}

func sweepOnce(s Sweeper, backend string, logger *logrus.Logger, m *metrics.Metrics) {
	res, err := s.Sweep()
	log := logger.WithField("backend", backend)
	if err != nil {
		log.WithError(err).Error("Failed to sweep expired entries")
		return
	}
	if res.Corrupt > 0 {
		if m != nil {
			m.CorruptEntries.WithLabelValues(backend).Add(float64(res.Corrupt))
		}
		log.WithField("dropped", res.Corrupt).Error("Dropped unreadable entries")
	}
	if res.Expired > 0 {
		log.WithField("removed", res.Expired).Debug("Swept expired entries")
	}
}
