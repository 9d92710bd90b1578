package retry

import (
	"context"
	"math/rand"
	"time"
)

type config struct {
	maxRetries  int
	baseWait    time.Duration
	maxWait     time.Duration
	backoffRate float64
	jitter      bool
}

// Option configures a retry loop.
type Option func(*config)

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithBackoffRate sets the multiplier applied to the wait after each retry.
func WithBackoffRate(rate float64) Option {
	return func(c *config) { c.backoffRate = rate }
}

// WithFullJitter randomizes each wait uniformly in [0, wait).
func WithFullJitter() Option {
	return func(c *config) { c.jitter = true }
}

// Do invokes fn until it succeeds, returns a non-recoverable error, or the
// retry budget is spent. The function is always attempted at least once.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := &config{
		maxRetries:  3,
		baseWait:    100 * time.Millisecond,
		maxWait:     10 * time.Second,
		backoffRate: 2.0,
	}
	for _, opt := range opts {
		opt(c)
	}

	wait := c.baseWait
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempt >= c.maxRetries {
			return err
		}

		sleep := wait
		if c.jitter && sleep > 0 {
			sleep = time.Duration(rand.Int63n(int64(sleep)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		wait = time.Duration(float64(wait) * c.backoffRate)
		if c.maxWait > 0 && wait > c.maxWait {
			wait = c.maxWait
		}
	}
}
