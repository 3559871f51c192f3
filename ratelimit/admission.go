package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	metricsApi "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/valri11/proofgate/config"
)

// CapacityError is returned when no permit could be obtained under the
// admission policy. It is always safe to retry.
type CapacityError struct {
	Capacity int64
	Policy   string
	Waited   time.Duration
}

func (e *CapacityError) Error() string {
	if e.Policy == config.AdmissionPolicyReject {
		return fmt.Sprintf("all %d request slots are busy", e.Capacity)
	}
	return fmt.Sprintf("no request slot freed within %s (capacity %d)", e.Waited, e.Capacity)
}

func (e *CapacityError) Retryable() bool { return true }

// Admission bounds the number of requests being resolved and dispatched at
// the same time.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
	policy   string
	timeout  time.Duration
	inFlight atomic.Int64

	concurrentReqMeter metricsApi.Int64Histogram
	permitWaitMeter    metricsApi.Int64Histogram
}

func NewAdmission(meter metricsApi.Meter, cfg config.Admission, capacity int) (*Admission, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("admission capacity must be positive, got %d", capacity)
	}

	policy := cfg.Policy
	if policy == "" {
		policy = config.AdmissionPolicyQueue
	}
	if policy != config.AdmissionPolicyQueue && policy != config.AdmissionPolicyReject {
		return nil, fmt.Errorf("unknown admission policy: %s", policy)
	}

	concurrentReqMeter, err := meter.Int64Histogram(
		"concurrent_req",
		metricsApi.WithDescription("Concurrent requests"),
		metricsApi.WithExplicitBucketBoundaries([]float64{1, 3, 9, 15, 30, 90, 300}...),
	)
	if err != nil {
		return nil, err
	}
	permitWaitMeter, err := meter.Int64Histogram(
		"permit_wait_duration",
		metricsApi.WithDescription("Time spent waiting for a request slot"),
		metricsApi.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	a := Admission{
		sem:                semaphore.NewWeighted(int64(capacity)),
		capacity:           int64(capacity),
		policy:             policy,
		timeout:            cfg.Timeout,
		concurrentReqMeter: concurrentReqMeter,
		permitWaitMeter:    permitWaitMeter,
	}
	return &a, nil
}

// Acquire obtains one permit. Under the queue policy it waits for a free
// slot, bounded by the configured timeout when set; under the reject policy
// it fails at once. A canceled ctx returns the context error.
func (a *Admission) Acquire(ctx context.Context) (*Permit, error) {
	start := time.Now()

	if a.policy == config.AdmissionPolicyReject {
		if !a.sem.TryAcquire(1) {
			return nil, &CapacityError{Capacity: a.capacity, Policy: a.policy}
		}
		return a.granted(ctx, start), nil
	}

	waitCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CapacityError{Capacity: a.capacity, Policy: a.policy, Waited: time.Since(start)}
	}
	return a.granted(ctx, start), nil
}

func (a *Admission) granted(ctx context.Context, start time.Time) *Permit {
	n := a.inFlight.Add(1)
	a.concurrentReqMeter.Record(ctx, n)
	a.permitWaitMeter.Record(ctx, time.Since(start).Milliseconds())
	return &Permit{a: a}
}

func (a *Admission) InFlight() int64 { return a.inFlight.Load() }

func (a *Admission) Capacity() int64 { return a.capacity }

func (a *Admission) Policy() string { return a.policy }

// Permit is one held request slot.
type Permit struct {
	a    *Admission
	once sync.Once
}

// Release returns the slot. Calling it more than once is a no-op.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.a.inFlight.Add(-1)
		p.a.sem.Release(1)
	})
}
