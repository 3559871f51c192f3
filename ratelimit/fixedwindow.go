package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"

	"github.com/valri11/proofgate/config"
)

var getTimeNowFn = time.Now

type LocalFixedWindowLimit struct {
	Timestamp int64
	Limit     int32
	Counter   int32
	mx        sync.Mutex
}

func NewLocalFixedWindowLimit(rateLimitPerSec int) (*LocalFixedWindowLimit, error) {
	st := LocalFixedWindowLimit{
		Timestamp: getTimeNowFn().Unix(),
		Limit:     int32(rateLimitPerSec),
	}
	return &st, nil
}

func (st *LocalFixedWindowLimit) TryPassRequestLimit(ctx context.Context) bool {
	st.mx.Lock()
	defer st.mx.Unlock()

	tsNowSeconds := getTimeNowFn().Unix()

	if tsNowSeconds == st.Timestamp {
		if st.Counter >= st.Limit {
			return false
		}
	} else {
		st.Timestamp = tsNowSeconds
		st.Counter = 0
	}

	st.Counter++

	return true
}

// RedisFixedWindowLimit shares one per-second counter between every
// instance pointed at the same redis.
type RedisFixedWindowLimit struct {
	Limit        int32
	client       redis.UniversalClient
	limitKeyName string
}

func newRedisClient(addr string) (redis.UniversalClient, error) {
	ctx := context.Background()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{addr},
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, err
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		return nil, err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func NewRedisFixedWindowLimit(store config.Store) (*RedisFixedWindowLimit, error) {
	client, err := newRedisClient(store.Connection)
	if err != nil {
		return nil, err
	}

	st := RedisFixedWindowLimit{
		Limit:        int32(store.LimitPerSec),
		client:       client,
		limitKeyName: "proofgate:fixedWindowLimit",
	}

	return &st, nil
}

const fixedWindowScript = `local current
current = redis.call("incr",KEYS[1])
if current == 1 then
    redis.call("expire",KEYS[1],1)
end
return current
`

// TryPassRequestLimit lets the request through when redis cannot be
// reached.
func (st *RedisFixedWindowLimit) TryPassRequestLimit(ctx context.Context) bool {
	logger := mdlogger.FromContext(ctx)

	val, err := st.client.Eval(ctx, fixedWindowScript, []string{st.limitKeyName}).Int()
	if err != nil {
		logger.With(zap.Error(err)).Error("rate limit check failed, letting request through")
		return true
	}

	if val > int(st.Limit) {
		logger.
			With(zap.Int("req_count", val)).
			With(zap.Int32("limit", st.Limit)).
			Warn("breach rate limit")
		return false
	}

	logger.
		With(zap.Int("req_count", val)).
		With(zap.Int32("limit", st.Limit)).
		Debug("rate limit check")

	return true
}

func (st *RedisFixedWindowLimit) Close() error {
	return st.client.Close()
}
