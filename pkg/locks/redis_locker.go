package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"support-router/pkg/constants"
)

const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// RedisLocker holds a key with SET NX PX and a random token. While the holder
// is alive the lease is renewed every renewInterval; if the holder dies the
// lease expires on its own. Release and renewal only touch our own token.
type RedisLocker struct {
	rdb           *redis.Client
	ttl           time.Duration
	pollInterval  time.Duration
	renewInterval time.Duration
	logger        *logrus.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{
		rdb:           rdb,
		ttl:           ttl,
		pollInterval:  25 * time.Millisecond,
		renewInterval: ttl / 3,
		logger:        logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := constants.LockKeyPrefix + key
	token := uuid.New().String()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.hold(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold starts renewing the lease and returns the release func that stops it.
func (l *RedisLocker) hold(lockKey, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.renewLoop(lockKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			l.release(lockKey, token)
		})
	}
}

func (l *RedisLocker) renewLoop(lockKey, token string, stop <-chan struct{}) {
	if l.renewInterval <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(l.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !l.renew(lockKey, token) {
				return
			}
		}
	}
}

// renew extends the lease and reports whether we still hold it. A transport
// error keeps the loop going; the next tick may succeed before the lease lapses.
func (l *RedisLocker) renew(lockKey, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.renewInterval)
	defer cancel()

	res, err := l.rdb.Eval(ctx, renewScript, []string{lockKey}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		l.logger.WithError(err).WithField("lock_key", lockKey).Error("Failed to renew lock")
		return true
	}
	if res == 0 {
		l.logger.WithField("lock_key", lockKey).Warn("Lock lease lost before renewal")
		return false
	}
	return true
}

func (l *RedisLocker) release(lockKey, token string) {
	// the request context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := l.rdb.Eval(ctx, releaseScript, []string{lockKey}, token).Int64()
	if err != nil {
		l.logger.WithError(err).WithField("lock_key", lockKey).Error("Failed to release lock")
		return
	}
	if res == 0 {
		l.logger.WithField("lock_key", lockKey).Warn("Lock lease expired before release")
	}
}
