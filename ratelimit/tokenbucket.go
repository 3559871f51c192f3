package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"
)

// LocalTokenBucketLimit holds up to Capacity tokens and refills them at
// Capacity per second. Each request takes one token.
type LocalTokenBucketLimit struct {
	Capacity   float64
	Tokens     float64
	LastRefill time.Time
	mx         sync.Mutex
}

func NewLocalTokenBucketLimit(rateLimitPerSec int) (*LocalTokenBucketLimit, error) {
	tb := LocalTokenBucketLimit{
		Capacity:   float64(rateLimitPerSec),
		Tokens:     float64(rateLimitPerSec),
		LastRefill: getTimeNowFn(),
	}
	return &tb, nil
}

func (tb *LocalTokenBucketLimit) TryPassRequestLimit(ctx context.Context) bool {
	tb.mx.Lock()
	defer tb.mx.Unlock()

	now := getTimeNowFn()
	if elapsed := now.Sub(tb.LastRefill); elapsed > 0 {
		tb.Tokens = min(tb.Capacity, tb.Tokens+elapsed.Seconds()*tb.Capacity)
		tb.LastRefill = now
	}

	if tb.Tokens < 1 {
		mdlogger.FromContext(ctx).
			With(zap.Float64("tokens", tb.Tokens)).
			With(zap.Float64("capacity", tb.Capacity)).
			Warn("breach rate limit")
		return false
	}

	tb.Tokens--
	return true
}
