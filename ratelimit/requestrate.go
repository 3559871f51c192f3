package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	metricsApi "go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	mdlogger "github.com/valri11/go-servicepack/logger"

	"github.com/valri11/proofgate/config"
)

type LimitStore interface {
	TryPassRequestLimit(ctx context.Context) bool
}

func NewLimitStore(store config.Store) (LimitStore, error) {
	if store.LimitPerSec <= 0 {
		return nil, fmt.Errorf("store %s: limit per second must be positive", store.Type)
	}

	switch store.Type {
	case "localFixedWindow":
		return NewLocalFixedWindowLimit(store.LimitPerSec)
	case "redisFixedWindow":
		return NewRedisFixedWindowLimit(store)
	case "localSlidingWindow":
		return NewLocalSlidingWindowLimit(store.LimitPerSec)
	case "redisSlidingWindow":
		return NewRedisSlidingWindowLimit(store)
	case "localTokenBucket":
		return NewLocalTokenBucketLimit(store.LimitPerSec)
	}

	return nil, fmt.Errorf("unknown store type: %s", store.Type)
}

// RejectFunc writes the response for a request refused by a limiter.
type RejectFunc func(w http.ResponseWriter, r *http.Request, status int, err error)

// WithRequestRateLimiter refuses requests above the store's rate with 429.
func WithRequestRateLimiter(meter metricsApi.Meter, limitStore LimitStore, reject RejectFunc) (func(http.Handler) http.Handler, error) {
	rateLimiterDuration, err := meter.Int64Histogram(
		"ratelimiter_check_duration",
		metricsApi.WithDescription("Rate limiter check duration"),
		metricsApi.WithUnit("ms"),
		metricsApi.WithExplicitBucketBoundaries([]float64{1, 2, 3, 4, 5, 10, 20, 100, 250}...),
	)
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestStartTime := time.Now()
			passed := limitStore.TryPassRequestLimit(ctx)
			rateLimiterDuration.Record(ctx, time.Since(requestStartTime).Milliseconds())

			if !passed {
				mdlogger.FromContext(ctx).Warn("request rate limited", zap.String("path", r.URL.Path))

				w.Header().Set("Retry-After", "1")
				reject(w, r, http.StatusTooManyRequests, errRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

type rateLimitedError struct{}

func (rateLimitedError) Error() string { return "request rate limit exceeded" }

func (rateLimitedError) Retryable() bool { return true }

var errRateLimited error = rateLimitedError{}
