// Package timer provides the shared recurring timer used by the
// compliance scheduler, registration manager, configuration controller,
// and installer pipeline: a base frequency with uniform skew, handler
// failures driving exponential backoff, and handler-requested deferral.
package timer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"acme/pkg/logging"
)

// Handler runs on every fire. Returning an error schedules the next
// fire on the retry backoff curve; returning a DeferredError overrides
// the next fire without counting as a failure.
type Handler func(ctx context.Context) error

// DeferredError lets a handler defer the next fire, typically on a
// throttling hint from the registrar.
type DeferredError struct {
	NextFrequency time.Duration
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred for %s", e.NextFrequency)
}

// Defer wraps a duration into a DeferredError.
func Defer(next time.Duration) error {
	return &DeferredError{NextFrequency: next}
}

// Config describes a recurring timer's cadence.
type Config struct {
	Name              string
	Frequency         time.Duration
	Skew              time.Duration
	RetryFrequency    time.Duration
	MaxRetryFrequency time.Duration
}

// Recurring fires a handler on Frequency plus a uniformly distributed
// skew in [-Skew/2, +Skew/2], re-rolled after every tick. Handler
// errors switch the timer onto min(Retry * 2^(failures-1), MaxRetry).
// Cancel and Reset are race-free and callable from any goroutine,
// including the handler itself.
type Recurring struct {
	cfg     Config
	handler Handler

	mu                  sync.Mutex
	timer               *time.Timer
	started             bool
	cancelled           bool
	consecutiveFailures int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped timer.
func New(cfg Config, handler Handler) *Recurring {
	return &Recurring{cfg: cfg, handler: handler}
}

// Start arms the timer. The first fire happens after one full period.
// Use Reset to force an earlier fire.
func (r *Recurring) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("timer %s already started", r.cfg.Name)
	}
	if r.cancelled {
		return fmt.Errorf("timer %s already cancelled", r.cfg.Name)
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.scheduleLocked(r.periodLocked())
	return nil
}

// Reset forces the next fire after d, replacing whatever was scheduled.
func (r *Recurring) Reset(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.cancelled {
		return
	}
	r.scheduleLocked(d)
}

// Cancel terminates the timer. Idempotent.
func (r *Recurring) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// ConsecutiveFailures reports the current failure streak.
func (r *Recurring) ConsecutiveFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveFailures
}

func (r *Recurring) scheduleLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, r.fire)
}

func (r *Recurring) fire() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	ctx := r.ctx
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	err := r.runHandler(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}

	var deferred *DeferredError
	switch {
	case err == nil:
		r.consecutiveFailures = 0
		r.scheduleLocked(r.periodLocked())
	case errors.As(err, &deferred):
		r.scheduleLocked(deferred.NextFrequency)
	default:
		r.consecutiveFailures++
		delay := BackoffDelay(r.cfg.RetryFrequency, r.cfg.MaxRetryFrequency, r.consecutiveFailures)
		logging.Warn("Timer", "%s handler failed (%d consecutive): %v; retrying in %s",
			r.cfg.Name, r.consecutiveFailures, err, delay)
		r.scheduleLocked(delay)
	}
}

func (r *Recurring) runHandler(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.handler(ctx)
}

// periodLocked is the base frequency plus a fresh skew roll.
func (r *Recurring) periodLocked() time.Duration {
	return r.cfg.Frequency + Skew(r.cfg.Skew)
}

// Skew draws a uniform duration in [-skew/2, +skew/2]. Zero skew yields
// an exactly periodic timer.
func Skew(skew time.Duration) time.Duration {
	if skew <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(skew))) - skew/2
}

// BackoffDelay is min(retry * 2^(failures-1), maxRetry).
func BackoffDelay(retry, maxRetry time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := retry
	for i := 1; i < failures; i++ {
		delay *= 2
		if maxRetry > 0 && delay >= maxRetry {
			return maxRetry
		}
	}
	if maxRetry > 0 && delay > maxRetry {
		return maxRetry
	}
	return delay
}
