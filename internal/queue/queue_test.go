package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/solrouter/solrouter/pkg/models"
)

func newTestQueue(t *testing.T, cfg Config, process ProcessFunc, onExhausted ExhaustedFunc) *AdmissionQueue {
	t.Helper()
	q := New(cfg, process, onExhausted, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	q := newTestQueue(t, Config{}, func(context.Context, string, any) error { return nil }, nil)
	q.Pause()

	require.NoError(t, q.Enqueue("order-1", nil))
	err := q.Enqueue("order-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDuplicateOrder)
}

func TestProcessSuccess(t *testing.T) {
	var calls atomic.Int64
	q := newTestQueue(t, Config{Workers: 2}, func(_ context.Context, id string, _ any) error {
		calls.Add(1)
		return nil
	}, nil)

	require.NoError(t, q.Enqueue("order-1", nil))
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())

	// The finished job's id is free again.
	assert.NoError(t, q.Enqueue("order-1", nil))
}

func TestRetryExhaustsAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int64
	var exhausted atomic.Int64
	var lastErr atomic.Value

	q := newTestQueue(t, Config{Workers: 1, MaxAttempts: 3, BaseDelay: 2 * time.Millisecond},
		func(context.Context, string, any) error {
			attempts.Add(1)
			return fmt.Errorf("venue down")
		},
		func(_ context.Context, id string, _ any, err error) {
			exhausted.Add(1)
			lastErr.Store(err.Error())
		},
	)

	require.NoError(t, q.Enqueue("order-1", nil))
	require.Eventually(t, func() bool {
		return exhausted.Load() == 1
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(3), attempts.Load(), "exactly max_attempts attempts")
	stats := q.GetStats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Zero(t, stats.Waiting)
	assert.Zero(t, stats.Delayed)
	assert.Contains(t, lastErr.Load().(string), "venue down")

	// Only the final failure is terminal.
	assert.Equal(t, int64(1), exhausted.Load())
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	var attempts atomic.Int64
	var exhausted atomic.Int64
	q := newTestQueue(t, Config{Workers: 1, MaxAttempts: 3, BaseDelay: 2 * time.Millisecond},
		func(context.Context, string, any) error {
			if attempts.Add(1) == 1 {
				return fmt.Errorf("transient")
			}
			return nil
		},
		func(context.Context, string, any, error) { exhausted.Add(1) },
	)

	require.NoError(t, q.Enqueue("order-1", nil))
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), attempts.Load())
	assert.Zero(t, exhausted.Load())
}

func TestCancelWaitingJob(t *testing.T) {
	q := newTestQueue(t, Config{}, func(context.Context, string, any) error { return nil }, nil)
	q.Pause()

	require.NoError(t, q.Enqueue("order-1", nil))
	require.NoError(t, q.Cancel("order-1"))

	err := q.Cancel("order-1")
	assert.ErrorIs(t, err, models.ErrOrderNotFound)
	assert.Zero(t, q.GetStats().Waiting)
}

func TestCancelActiveJobRejected(t *testing.T) {
	release := make(chan struct{})
	q := newTestQueue(t, Config{Workers: 1}, func(context.Context, string, any) error {
		<-release
		return nil
	}, nil)
	defer close(release)

	require.NoError(t, q.Enqueue("order-1", nil))
	require.Eventually(t, func() bool {
		return q.GetStats().Active == 1
	}, 2*time.Second, time.Millisecond)

	err := q.Cancel("order-1")
	assert.ErrorIs(t, err, models.ErrCancelNotAllowed)
}

func TestCancelDelayedJobRejected(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 1, MaxAttempts: 3, BaseDelay: time.Minute},
		func(context.Context, string, any) error { return fmt.Errorf("transient") }, nil)

	require.NoError(t, q.Enqueue("order-1", nil))
	require.Eventually(t, func() bool {
		return q.GetStats().Delayed == 1
	}, 2*time.Second, time.Millisecond)

	err := q.Cancel("order-1")
	assert.ErrorIs(t, err, models.ErrCancelNotAllowed)
}

func TestPauseHoldsDispatch(t *testing.T) {
	var calls atomic.Int64
	q := newTestQueue(t, Config{Workers: 2}, func(context.Context, string, any) error {
		calls.Add(1)
		return nil
	}, nil)

	q.Pause()
	require.NoError(t, q.Enqueue("order-1", nil))
	require.NoError(t, q.Enqueue("order-2", nil))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load(), "paused queue must not dispatch")
	assert.Equal(t, 2, q.GetStats().Waiting)

	q.Resume()
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerPoolBound(t *testing.T) {
	const workers = 3
	release := make(chan struct{})
	var concurrent, peak atomic.Int64

	q := newTestQueue(t, Config{Workers: workers}, func(context.Context, string, any) error {
		cur := concurrent.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return nil
	}, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("order-%d", i), nil))
	}

	require.Eventually(t, func() bool {
		return q.GetStats().Active == workers
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 10-workers, q.GetStats().Waiting)

	close(release)
	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(workers), peak.Load(), "never more than the pool size in flight")
}

func TestRateLimitThrottlesStarts(t *testing.T) {
	var starts atomic.Int64
	q := newTestQueue(t, Config{Workers: 5, RateLimit: 2, RateWindow: 250 * time.Millisecond},
		func(context.Context, string, any) error {
			starts.Add(1)
			return nil
		}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("order-%d", i), nil))
	}

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, starts.Load(), int64(2), "at most rate_limit starts per window")

	require.Eventually(t, func() bool {
		return q.GetStats().Completed == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthCheck(t *testing.T) {
	q := newTestQueue(t, Config{Workers: 2, BacklogThreshold: 2},
		func(context.Context, string, any) error { return nil }, nil)

	h := q.HealthCheck()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 2, h.Workers)

	q.Pause()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("order-%d", i), nil))
	}
	h = q.HealthCheck()
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Reason, "backlog")
	assert.True(t, h.Paused)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	q := New(Config{}, func(context.Context, string, any) error { return nil }, nil, nil,
		zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	require.NoError(t, q.Shutdown(ctx), "shutdown is idempotent")

	err := q.Enqueue("order-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shut down")
}
