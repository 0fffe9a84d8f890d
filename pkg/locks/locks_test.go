package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"support-router/pkg/logger"
)

// assertMutualExclusion runs workers that each hold the same key and checks
// that no two ever overlap.
func assertMutualExclusion(t *testing.T, l Locker) {
	t.Helper()

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "conv-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			atomic.AddInt32(&done, 1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, int32(8), done)
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()
	assertMutualExclusion(t, l)
	assert.Equal(t, 0, l.Held())
}

func TestLocalLocker_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	releaseA, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	releaseB, err := l.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op
	assert.Equal(t, 0, l.Held())
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, 5*time.Second, logger.Discard())
	l.pollInterval = time.Millisecond
	assertMutualExclusion(t, l)
}

func TestRedisLocker_ReleaseDeletesOnlyOwnToken(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, time.Second, logger.Discard())

	release, err := l.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:conv-1"))

	// lease expires and another pod takes the lock
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("lock:conv-1", "other-pod"))

	release()
	got, err := mr.Get("lock:conv-1")
	require.NoError(t, err)
	assert.Equal(t, "other-pod", got)
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, 5*time.Second, logger.Discard())
	l.pollInterval = 5 * time.Millisecond

	release, err := l.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "conv-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := l.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)
	release2()
}

func TestRedisLocker_RenewsLeaseWhileHeld(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, time.Second, logger.Discard())
	l.renewInterval = 20 * time.Millisecond

	release, err := l.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)

	// well past the original lease, in steps shorter than it
	for i := 0; i < 4; i++ {
		mr.FastForward(600 * time.Millisecond)
		require.Eventually(t, func() bool {
			return mr.TTL("lock:conv-1") > 600*time.Millisecond
		}, time.Second, 5*time.Millisecond)
	}
	assert.True(t, mr.Exists("lock:conv-1"))

	release()
	assert.False(t, mr.Exists("lock:conv-1"))

	commands := mr.CommandCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, commands, mr.CommandCount())
}

func TestRedisLocker_StopsRenewingLostLease(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedisLocker(rdb, time.Second, logger.Discard())
	l.renewInterval = 20 * time.Millisecond

	release, err := l.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)
	defer release()

	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set("lock:conv-1", "other-pod"))

	time.Sleep(100 * time.Millisecond)
	commands := mr.CommandCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, commands, mr.CommandCount())
	assert.Equal(t, time.Duration(0), mr.TTL("lock:conv-1"))
}
