// Package configsync pulls typed configuration bundles from the
// registrar on adaptive timers and dispatches them to sub-modules that
// apply the changes: compliance manifests, installer targets, signed
// files, and sink credentials.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"acme/internal/registrar"
	"acme/internal/timer"
	"acme/pkg/logging"
)

const (
	// MinInterval floors every computed pull interval.
	MinInterval = time.Minute

	defaultFrequency = 30 * time.Minute
	defaultSkew      = 5 * time.Minute
	retryFrequency   = 30 * time.Second
	maxRetry         = 30 * time.Minute
)

// Entry tracks one configuration unit's refresh deadline inside a
// sub-module.
type Entry struct {
	Name       string    `json:"name"`
	NextUpdate time.Time `json:"next_update"`
}

// IntervalOver is the min over entries of nextUpdate minus now, floored
// at MinInterval. No entries yields the default pull frequency.
func IntervalOver(entries []Entry, now time.Time) time.Duration {
	if len(entries) == 0 {
		return defaultFrequency
	}
	min := entries[0].NextUpdate.Sub(now)
	for _, e := range entries[1:] {
		if d := e.NextUpdate.Sub(now); d < min {
			min = d
		}
	}
	if min < MinInterval {
		return MinInterval
	}
	return min
}

// AnyDue reports whether any entry is past its refresh deadline.
func AnyDue(entries []Entry, now time.Time) bool {
	for _, e := range entries {
		if !e.NextUpdate.After(now) {
			return true
		}
	}
	return false
}

// SubModule is one typed configuration puller.
type SubModule interface {
	Name() string
	// ShouldRunImmediately reports whether a pull is already overdue.
	ShouldRunImmediately() bool
	// CurrentInterval is the time until the next pull is due.
	CurrentInterval() time.Duration
	// Run performs one pull-and-apply cycle. A registrar throttle
	// surfaces as *registrar.ThrottledError and defers the next run.
	Run(ctx context.Context) error
}

// Controller owns the sub-modules and one recurring timer per
// sub-module. Pause and Resume exist for the reload sequence: pause
// pulls, drain in-flight compliance responses, swap settings, resume.
type Controller struct {
	mu      sync.Mutex
	subs    []SubModule
	timers  map[string]*timer.Recurring
	ctx     context.Context
	running bool
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{timers: make(map[string]*timer.Recurring)}
}

// Register adds a sub-module. Must happen before Start.
func (c *Controller) Register(sub SubModule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, sub)
}

// Start arms every sub-module's timer. Overdue sub-modules fire
// immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("configuration controller already running")
	}
	c.ctx = ctx
	c.running = true

	for _, sub := range c.subs {
		t := timer.New(timer.Config{
			Name:              "configsync." + sub.Name(),
			Frequency:         defaultFrequency,
			Skew:              defaultSkew,
			RetryFrequency:    retryFrequency,
			MaxRetryFrequency: maxRetry,
		}, c.handlerFor(sub))
		if err := t.Start(ctx); err != nil {
			return err
		}
		c.timers[sub.Name()] = t
		if sub.ShouldRunImmediately() {
			t.Reset(0)
		} else {
			t.Reset(clamp(sub.CurrentInterval()))
		}
	}
	logging.Info("ConfigSync", "Started with %d sub-modules", len(c.subs))
	return nil
}

// handlerFor adapts a sub-module to the recurring timer: success
// reschedules on the sub-module's own interval, a throttle defers
// without counting as a failure, anything else rides the backoff curve.
func (c *Controller) handlerFor(sub SubModule) timer.Handler {
	return func(ctx context.Context) error {
		err := sub.Run(ctx)

		var throttled *registrar.ThrottledError
		switch {
		case err == nil:
			return timer.Defer(clamp(sub.CurrentInterval()))
		case errors.As(err, &throttled):
			logging.Info("ConfigSync", "%s throttled until %s", sub.Name(), throttled.Until.Format(time.RFC3339))
			return timer.Defer(time.Until(throttled.Until))
		default:
			return fmt.Errorf("%s pull failed: %w", sub.Name(), err)
		}
	}
}

// Stop cancels all timers concurrently and marks the controller
// stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	timers := make([]*timer.Recurring, 0, len(c.timers))
	for _, t := range c.timers {
		timers = append(timers, t)
	}
	c.timers = make(map[string]*timer.Recurring)
	c.running = false
	c.mu.Unlock()

	var g errgroup.Group
	for _, t := range timers {
		t := t
		g.Go(func() error {
			t.Cancel()
			return nil
		})
	}
	g.Wait()
}

// Restart stops and starts the controller, forcing immediate pulls.
// The registration manager calls this after a successful registration
// so freshly authenticated pulls happen right away.
func (c *Controller) Restart(ctx context.Context) error {
	c.Stop()
	if err := c.Start(ctx); err != nil {
		return err
	}
	c.RunAll()
	return nil
}

// RunAll forces every sub-module to pull now.
func (c *Controller) RunAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Reset(0)
	}
}

// RunNow forces one sub-module to pull now.
func (c *Controller) RunNow(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[name]
	if !ok {
		return fmt.Errorf("unknown configuration sub-module %q", name)
	}
	t.Reset(0)
	return nil
}

// SubModuleNames lists the registered sub-modules.
func (c *Controller) SubModuleNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.subs))
	for _, sub := range c.subs {
		names = append(names, sub.Name())
	}
	return names
}

func clamp(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}
