package ratelimit

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"

	"github.com/valri11/proofgate/config"
)

// LocalSlidingWindowLimit allows Limit requests in any one second long
// window ending now.
type LocalSlidingWindowLimit struct {
	Limit    int32
	Requests []int64
	mx       sync.Mutex
}

func NewLocalSlidingWindowLimit(limit int) (*LocalSlidingWindowLimit, error) {
	sw := LocalSlidingWindowLimit{
		Limit: int32(limit),
	}
	return &sw, nil
}

func (lws *LocalSlidingWindowLimit) TryPassRequestLimit(ctx context.Context) bool {
	logger := mdlogger.FromContext(ctx)

	lws.mx.Lock()
	defer lws.mx.Unlock()

	nowUnixMicro := getTimeNowFn().UnixMicro()

	// Requests is ordered, drop the prefix that left the window
	expired := 0
	for expired < len(lws.Requests) && nowUnixMicro-lws.Requests[expired] >= 1000_000 {
		expired++
	}
	lws.Requests = lws.Requests[expired:]

	if int(lws.Limit)-len(lws.Requests) < 1 {
		logger.
			With(zap.Int("req_count", len(lws.Requests))).
			With(zap.Int32("limit", lws.Limit)).
			Warn("breach rate limit")
		return false
	}

	lws.Requests = append(lws.Requests, nowUnixMicro)

	logger.
		With(zap.Int("req_count", len(lws.Requests))).
		With(zap.Int32("limit", lws.Limit)).
		Debug("rate limit check")

	return true
}

// RedisSlidingWindowLimit keeps one sorted set entry per admitted request,
// scored by the redis clock in milliseconds.
type RedisSlidingWindowLimit struct {
	Limit        int32
	client       redis.UniversalClient
	limitKeyName string
}

func NewRedisSlidingWindowLimit(store config.Store) (*RedisSlidingWindowLimit, error) {
	client, err := newRedisClient(store.Connection)
	if err != nil {
		return nil, err
	}

	rsw := RedisSlidingWindowLimit{
		Limit:        int32(store.LimitPerSec),
		client:       client,
		limitKeyName: "proofgate:slidingWindowLimit",
	}
	return &rsw, nil
}

const slidingWindowScript = `local now = redis.call('TIME')
local window = tonumber(ARGV[1])
local max_requests = tonumber(ARGV[2])
local key = KEYS[1]
local now_ms = tonumber(now[1]) * 1000 + math.floor(tonumber(now[2]) / 1000)
redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window * 1000)
local request_count = redis.call('ZCARD', key)

if request_count < max_requests then
    local seq = redis.call('INCR', key .. ':seq')
    redis.call('ZADD', key, now_ms, now_ms .. '-' .. seq)
    redis.call('EXPIRE', key, window)
    redis.call('EXPIRE', key .. ':seq', window)
    return {0, request_count + 1}
end
return {1, request_count}`

// TryPassRequestLimit lets the request through when redis cannot be
// reached.
func (rsw *RedisSlidingWindowLimit) TryPassRequestLimit(ctx context.Context) bool {
	logger := mdlogger.FromContext(ctx)

	ret, err := rsw.client.Eval(ctx, slidingWindowScript,
		[]string{rsw.limitKeyName},
		1,
		rsw.Limit,
	).Int64Slice()
	if err != nil || len(ret) != 2 {
		logger.With(zap.Error(err)).Error("rate limit check failed, letting request through")
		return true
	}

	breached, reqCount := ret[0], ret[1]
	if breached != 0 {
		logger.
			With(zap.Int64("req_count", reqCount)).
			With(zap.Int32("limit", rsw.Limit)).
			Warn("breach rate limit")
		return false
	}

	logger.
		With(zap.Int64("req_count", reqCount)).
		With(zap.Int32("limit", rsw.Limit)).
		Debug("rate limit check")

	return true
}

func (rsw *RedisSlidingWindowLimit) Close() error {
	return rsw.client.Close()
}
