// Package queue implements the bounded-concurrency admission queue. A fixed
// worker pool drains a uniquely-keyed job table; a rolling-window rate
// limiter throttles how fast waiting jobs are started; transient failures are
// retried with exponential backoff before the job is terminally failed.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solrouter/solrouter/pkg/metrics"
	"github.com/solrouter/solrouter/pkg/models"
)

// ProcessFunc runs one job attempt. A non-nil error triggers the retry
// policy; the error is never surfaced to the original submitter.
type ProcessFunc func(ctx context.Context, orderID string, payload any) error

// ExhaustedFunc is invoked once per job after the final failed attempt, with
// the error from that attempt. Called without the queue lock held.
type ExhaustedFunc func(ctx context.Context, orderID string, payload any, err error)

// Config tunes the admission queue. Zero values fall back to defaults.
type Config struct {
	Workers          int           // worker pool size (default 10)
	RateLimit        int           // job starts per window (default 100)
	RateWindow       time.Duration // rolling window length (default 60s)
	MaxAttempts      int           // total attempts incl. the first (default 3)
	BaseDelay        time.Duration // first retry delay (default 1s)
	BacklogThreshold int           // waiting count that degrades health (default 100)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = 100
	}
	return c
}

// Stats is a consistent snapshot of the job table: every job the queue has
// ever accepted is counted in exactly one bucket.
type Stats struct {
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Delayed   int    `json:"delayed"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Health summarizes queue liveness for the health endpoint.
type Health struct {
	Status  string `json:"status"` // "healthy" or "degraded"
	Reason  string `json:"reason,omitempty"`
	Stats   Stats  `json:"stats"`
	Workers int    `json:"workers"`
	Paused  bool   `json:"paused"`
}

type jobState int

const (
	stateWaiting jobState = iota
	stateActive
	stateDelayed
)

type job struct {
	id         string
	payload    any
	attempt    int // completed attempts
	state      jobState
	enqueuedAt time.Time
	retryTimer *time.Timer
}

// AdmissionQueue owns job scheduling. It never touches order fields; outcomes
// reach the order through the process and exhausted callbacks.
type AdmissionQueue struct {
	cfg         Config
	process     ProcessFunc
	onExhausted ExhaustedFunc
	logger      *zap.SugaredLogger
	dlq         *DeadLetter // optional

	mu        sync.Mutex
	cond      *sync.Cond
	jobs      map[string]*job
	waiting   []string // FIFO of waiting job ids
	active    int
	delayed   int
	completed uint64
	failed    uint64
	paused    bool
	closed    bool
	limiter   *slidingWindow
	wakeTimer *time.Timer // pending rate-budget wakeup

	wg sync.WaitGroup
}

// New builds the queue and starts its worker pool. dlq may be nil.
func New(cfg Config, process ProcessFunc, onExhausted ExhaustedFunc, dlq *DeadLetter, logger *zap.SugaredLogger) *AdmissionQueue {
	cfg = cfg.withDefaults()
	q := &AdmissionQueue{
		cfg:         cfg,
		process:     process,
		onExhausted: onExhausted,
		logger:      logger,
		dlq:         dlq,
		jobs:        make(map[string]*job),
		limiter:     newSlidingWindow(cfg.RateLimit, cfg.RateWindow),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Infow("admission queue started",
		"workers", cfg.Workers,
		"rate_limit", cfg.RateLimit,
		"rate_window", cfg.RateWindow,
		"max_attempts", cfg.MaxAttempts,
	)
	return q
}

// Enqueue registers a job keyed by order id. An id that is already waiting,
// active, or delayed is rejected; the queue never runs two workers for the
// same id.
func (q *AdmissionQueue) Enqueue(orderID string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("enqueue %s: queue is shut down", orderID)
	}
	if _, exists := q.jobs[orderID]; exists {
		return fmt.Errorf("enqueue %s: %w", orderID, models.ErrDuplicateOrder)
	}
	q.jobs[orderID] = &job{
		id:         orderID,
		payload:    payload,
		state:      stateWaiting,
		enqueuedAt: time.Now(),
	}
	q.waiting = append(q.waiting, orderID)
	metrics.QueueWaiting.Set(float64(len(q.waiting)))
	q.cond.Signal()
	return nil
}

// Cancel removes a job that has not been picked up by a worker. Active and
// delayed jobs are past that point and are rejected.
func (q *AdmissionQueue) Cancel(orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[orderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, models.ErrOrderNotFound)
	}
	if j.state != stateWaiting {
		return fmt.Errorf("cancel %s: job already started: %w", orderID, models.ErrCancelNotAllowed)
	}
	q.removeWaiting(orderID)
	delete(q.jobs, orderID)
	metrics.QueueWaiting.Set(float64(len(q.waiting)))
	return nil
}

// Pause stops dispatching waiting jobs. Active jobs run to completion.
func (q *AdmissionQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Infow("admission queue paused")
}

// Resume restarts dispatch.
func (q *AdmissionQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
	q.logger.Infow("admission queue resumed")
}

// GetStats returns a consistent snapshot of the job buckets.
func (q *AdmissionQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   len(q.waiting),
		Active:    q.active,
		Delayed:   q.delayed,
		Completed: q.completed,
		Failed:    q.failed,
	}
}

// HealthCheck reports degraded when the pool is oversubscribed or the backlog
// exceeds the configured threshold.
func (q *AdmissionQueue) HealthCheck() Health {
	q.mu.Lock()
	stats := Stats{
		Waiting:   len(q.waiting),
		Active:    q.active,
		Delayed:   q.delayed,
		Completed: q.completed,
		Failed:    q.failed,
	}
	paused := q.paused
	q.mu.Unlock()

	h := Health{Status: "healthy", Stats: stats, Workers: q.cfg.Workers, Paused: paused}
	switch {
	case stats.Active > q.cfg.Workers:
		h.Status = "degraded"
		h.Reason = fmt.Sprintf("active jobs (%d) exceed worker pool (%d)", stats.Active, q.cfg.Workers)
	case stats.Waiting > q.cfg.BacklogThreshold:
		h.Status = "degraded"
		h.Reason = fmt.Sprintf("backlog (%d) exceeds threshold (%d)", stats.Waiting, q.cfg.BacklogThreshold)
	}
	return h
}

// Shutdown stops dispatch, waits for active jobs, and releases resources.
func (q *AdmissionQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, j := range q.jobs {
		if j.retryTimer != nil {
			j.retryTimer.Stop()
		}
	}
	if q.wakeTimer != nil {
		q.wakeTimer.Stop()
	}
	q.mu.Unlock()
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if q.dlq != nil {
		if err := q.dlq.Close(); err != nil {
			q.logger.Warnw("dead letter close failed", "error", err)
		}
	}
	q.logger.Infow("admission queue stopped")
	return nil
}

// worker pulls waiting jobs while respecting pause, the pool bound, and the
// rolling rate budget.
func (q *AdmissionQueue) worker() {
	defer q.wg.Done()
	q.mu.Lock()
	for {
		for !q.closed && (q.paused || len(q.waiting) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		if !q.limiter.allow(now) {
			q.scheduleWake(q.limiter.nextFree(now))
			q.cond.Wait()
			continue
		}

		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		j := q.jobs[id]
		j.state = stateActive
		q.active++
		metrics.QueueWaiting.Set(float64(len(q.waiting)))
		metrics.QueueActive.Set(float64(q.active))
		q.mu.Unlock()

		start := time.Now()
		err := q.process(context.Background(), j.id, j.payload)
		metrics.OrderLatency.Observe(time.Since(start).Seconds())

		q.mu.Lock()
		q.active--
		metrics.QueueActive.Set(float64(q.active))
		if err == nil {
			delete(q.jobs, j.id)
			q.completed++
			continue
		}
		j.attempt++
		if j.attempt >= q.cfg.MaxAttempts {
			delete(q.jobs, j.id)
			q.failed++
			q.mu.Unlock()
			q.finalize(j, err)
			q.mu.Lock()
			continue
		}
		q.scheduleRetry(j, err)
	}
}

// scheduleRetry parks the job in the delayed bucket and re-queues it after
// the backoff expires. Called with the lock held.
func (q *AdmissionQueue) scheduleRetry(j *job, cause error) {
	delay := Backoff(q.cfg.BaseDelay, j.attempt)
	j.state = stateDelayed
	q.delayed++
	metrics.QueueDelayed.Set(float64(q.delayed))
	q.logger.Warnw("job attempt failed, retrying",
		"order_id", j.id,
		"attempt", j.attempt,
		"max_attempts", q.cfg.MaxAttempts,
		"delay", delay,
		"error", cause,
	)
	j.retryTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.closed || j.state != stateDelayed {
			return
		}
		j.state = stateWaiting
		j.retryTimer = nil
		q.delayed--
		q.waiting = append(q.waiting, j.id)
		metrics.QueueDelayed.Set(float64(q.delayed))
		metrics.QueueWaiting.Set(float64(len(q.waiting)))
		q.cond.Signal()
	})
}

// finalize handles a job that exhausted its attempts: dead-letter it and hand
// the failure to the exhausted callback. Runs without the lock.
func (q *AdmissionQueue) finalize(j *job, cause error) {
	q.logger.Errorw("job failed terminally",
		"order_id", j.id,
		"attempts", j.attempt,
		"error", cause,
	)
	if q.dlq != nil {
		if err := q.dlq.Add(context.Background(), j.id, j.payload, cause.Error()); err != nil {
			q.logger.Warnw("dead letter write failed", "order_id", j.id, "error", err)
		}
	}
	if q.onExhausted != nil {
		q.onExhausted(context.Background(), j.id, j.payload, cause)
	}
}

// scheduleWake arranges a broadcast once the rate budget frees up. Only one
// wakeup is kept pending at a time. Called with the lock held.
func (q *AdmissionQueue) scheduleWake(in time.Duration) {
	if in <= 0 {
		in = time.Millisecond
	}
	if q.wakeTimer != nil {
		return
	}
	q.wakeTimer = time.AfterFunc(in, func() {
		q.mu.Lock()
		q.wakeTimer = nil
		q.mu.Unlock()
		q.cond.Broadcast()
	})
}

func (q *AdmissionQueue) removeWaiting(id string) {
	for i, w := range q.waiting {
		if w == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}
