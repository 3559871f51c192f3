package ratelimit

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	mdlogger "github.com/valri11/go-servicepack/logger"

	"github.com/valri11/proofgate/config"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger, err := mdlogger.New(zapcore.DebugLevel, true)
	if err != nil {
		log.Fatalf("ERR: %v", err)
	}
	t.Cleanup(func() { logger.Sync() })

	return mdlogger.NewContext(context.Background(), logger)
}

func stubClock(t *testing.T, ts time.Time) {
	t.Helper()
	prev := getTimeNowFn
	getTimeNowFn = func() time.Time { return ts }
	t.Cleanup(func() { getTimeNowFn = prev })
}

var refTime = time.Date(1974, time.May, 19, 1, 2, 3, 4, time.UTC)

func Test_LocalFixedWindow_NoBreach(t *testing.T) {
	ctx := testContext(t)
	stubClock(t, refTime)

	sw, err := NewLocalFixedWindowLimit(10)
	require.NoError(t, err)

	assert.True(t, sw.TryPassRequestLimit(ctx))

	stubClock(t, refTime.Add(1*time.Millisecond))
	for i := 1; i < 10; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
	}

	stubClock(t, refTime.Add(1*time.Second))
	assert.True(t, sw.TryPassRequestLimit(ctx))
}

func Test_LocalFixedWindow_Breach(t *testing.T) {
	ctx := testContext(t)
	stubClock(t, refTime)

	sw, err := NewLocalFixedWindowLimit(10)
	require.NoError(t, err)

	assert.True(t, sw.TryPassRequestLimit(ctx))

	stubClock(t, refTime.Add(1*time.Millisecond))
	for i := 1; i < 10; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
	}

	assert.False(t, sw.TryPassRequestLimit(ctx))
}

func Test_LocalSlidingWindow_NoBreach(t *testing.T) {
	ctx := testContext(t)

	sw, err := NewLocalSlidingWindowLimit(10)
	require.NoError(t, err)

	stubClock(t, refTime)
	assert.True(t, sw.TryPassRequestLimit(ctx))

	stubClock(t, refTime.Add(1*time.Millisecond))
	for i := 1; i < 10; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
	}

	// only the first request has left the window
	stubClock(t, refTime.Add(1*time.Second))
	assert.True(t, sw.TryPassRequestLimit(ctx))
	assert.False(t, sw.TryPassRequestLimit(ctx))
}

func Test_LocalSlidingWindow_Breach(t *testing.T) {
	ctx := testContext(t)

	sw, err := NewLocalSlidingWindowLimit(10)
	require.NoError(t, err)

	stubClock(t, refTime)
	assert.True(t, sw.TryPassRequestLimit(ctx))

	stubClock(t, refTime.Add(1*time.Millisecond))
	for i := 1; i < 10; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
	}

	assert.False(t, sw.TryPassRequestLimit(ctx))
}

func Test_RedisFixedWindow_NoBreach(t *testing.T) {
	ctx := testContext(t)
	s := miniredis.RunT(t)

	sw, err := NewRedisFixedWindowLimit(config.Store{
		Type:        "redisFixedWindow",
		Connection:  s.Addr(),
		LimitPerSec: 10,
	})
	require.NoError(t, err)
	defer sw.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
		s.FastForward(1 * time.Millisecond)
	}

	s.FastForward(1 * time.Second)
	assert.True(t, sw.TryPassRequestLimit(ctx))
}

func Test_RedisFixedWindow_Breach(t *testing.T) {
	ctx := testContext(t)
	s := miniredis.RunT(t)

	sw, err := NewRedisFixedWindowLimit(config.Store{
		Type:        "redisFixedWindow",
		Connection:  s.Addr(),
		LimitPerSec: 10,
	})
	require.NoError(t, err)
	defer sw.Close()

	for i := 0; i < 10; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
		s.FastForward(1 * time.Millisecond)
	}

	assert.False(t, sw.TryPassRequestLimit(ctx))
}

func Test_RedisFixedWindow_RedisDownLetsThrough(t *testing.T) {
	ctx := testContext(t)
	s := miniredis.RunT(t)

	sw, err := NewRedisFixedWindowLimit(config.Store{
		Type:        "redisFixedWindow",
		Connection:  s.Addr(),
		LimitPerSec: 1,
	})
	require.NoError(t, err)
	defer sw.Close()

	s.Close()
	assert.True(t, sw.TryPassRequestLimit(ctx))
}

func Test_RedisSlidingWindow_Breach(t *testing.T) {
	ctx := testContext(t)
	s := miniredis.RunT(t)

	sw, err := NewRedisSlidingWindowLimit(config.Store{
		Type:        "redisSlidingWindow",
		Connection:  s.Addr(),
		LimitPerSec: 3,
	})
	require.NoError(t, err)
	defer sw.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, sw.TryPassRequestLimit(ctx))
	}
	assert.False(t, sw.TryPassRequestLimit(ctx))
}

func Test_RedisSlidingWindow_RedisDownLetsThrough(t *testing.T) {
	ctx := testContext(t)
	s := miniredis.RunT(t)

	sw, err := NewRedisSlidingWindowLimit(config.Store{
		Type:        "redisSlidingWindow",
		Connection:  s.Addr(),
		LimitPerSec: 1,
	})
	require.NoError(t, err)
	defer sw.Close()

	s.Close()
	assert.True(t, sw.TryPassRequestLimit(ctx))
}

func Test_LocalTokenBucket_Refill(t *testing.T) {
	ctx := testContext(t)
	stubClock(t, refTime)

	tb, err := NewLocalTokenBucketLimit(4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.True(t, tb.TryPassRequestLimit(ctx))
	}
	assert.False(t, tb.TryPassRequestLimit(ctx))

	// a quarter second refills one token
	stubClock(t, refTime.Add(250*time.Millisecond))
	assert.True(t, tb.TryPassRequestLimit(ctx))
	assert.False(t, tb.TryPassRequestLimit(ctx))

	// never above capacity
	stubClock(t, refTime.Add(10*time.Second))
	for i := 0; i < 4; i++ {
		assert.True(t, tb.TryPassRequestLimit(ctx))
	}
	assert.False(t, tb.TryPassRequestLimit(ctx))
}

func Test_NewLimitStore(t *testing.T) {
	st, err := NewLimitStore(config.Store{Type: "localFixedWindow", LimitPerSec: 5})
	require.NoError(t, err)
	assert.IsType(t, &LocalFixedWindowLimit{}, st)

	st, err = NewLimitStore(config.Store{Type: "localSlidingWindow", LimitPerSec: 5})
	require.NoError(t, err)
	assert.IsType(t, &LocalSlidingWindowLimit{}, st)

	st, err = NewLimitStore(config.Store{Type: "localTokenBucket", LimitPerSec: 5})
	require.NoError(t, err)
	assert.IsType(t, &LocalTokenBucketLimit{}, st)

	_, err = NewLimitStore(config.Store{Type: "leakyBucket", LimitPerSec: 5})
	assert.Error(t, err)

	_, err = NewLimitStore(config.Store{Type: "localFixedWindow"})
	assert.Error(t, err)
}
