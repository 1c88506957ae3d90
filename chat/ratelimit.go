package chat

import (
	"context"
	"errors"
	"time"
)

// ErrLimiterClosed is returned for tasks submitted after Close.
var ErrLimiterClosed = errors.New("chat: rate limiter closed")

// RateLimitedError signals a server-side rate limit (HTTP 429). The limiter
// does not fail the task: it sleeps for RetryAfter (or a 5s fallback) and
// retries the same task before anything queued behind it.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "rate limited" }

const (
	// defaultRetryAfter applies when the server gives no Retry-After.
	defaultRetryAfter = 5 * time.Second
	// DefaultRequestsPerSecond is the outbound send quota.
	DefaultRequestsPerSecond = 1
)

type limiterJob struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// RateLimiter serializes outbound send operations against a fixed-rate quota.
// Tasks start in FIFO submission order; a rate-limited task is retried first
// after the server-specified delay. Non-429 failures are returned to the
// caller immediately and do not block the queue.
type RateLimiter struct {
	minInterval time.Duration
	jobs        chan *limiterJob
	closed      chan struct{}
	sleep       func(context.Context, time.Duration) error
}

// NewRateLimiter starts the single consumer goroutine. ctx cancellation
// drains the limiter: queued tasks fail with ctx's error.
func NewRateLimiter(ctx context.Context, requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	rl := &RateLimiter{
		minInterval: time.Duration(float64(time.Second) / requestsPerSecond),
		jobs:        make(chan *limiterJob, 64),
		closed:      make(chan struct{}),
		sleep:       sleepCtx,
	}
	go rl.run(ctx)
	return rl
}

// Execute enqueues fn and blocks until it ran (possibly after rate-limit
// retries) or the queue shut down. fn's error is returned as-is unless it is
// a *RateLimitedError, which triggers the retry path instead.
func (rl *RateLimiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	job := &limiterJob{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case rl.jobs <- job:
	case <-rl.closed:
		return ErrLimiterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.done:
		return err
	case <-rl.closed:
		return ErrLimiterClosed
	}
}

func (rl *RateLimiter) run(ctx context.Context) {
	defer close(rl.closed)
	var lastStart time.Time
	for {
		var job *limiterJob
		select {
		case <-ctx.Done():
			return
		case job = <-rl.jobs:
		}

		for {
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				break
			}
			if wait := rl.minInterval - time.Since(lastStart); wait > 0 {
				if err := rl.sleep(ctx, wait); err != nil {
					job.done <- err
					return
				}
			}
			lastStart = time.Now()
			err := job.fn(job.ctx)

			var limited *RateLimitedError
			if errors.As(err, &limited) {
				retry := limited.RetryAfter
				if retry <= 0 {
					retry = defaultRetryAfter
				}
				if err := rl.sleep(ctx, retry); err != nil {
					job.done <- err
					return
				}
				continue // retry the same task ahead of the queue
			}
			job.done <- err
			break
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
