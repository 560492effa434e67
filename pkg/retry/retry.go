package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// maxIntervalCap bounds the delay when a policy does not set MaxInterval
const maxIntervalCap = 24 * time.Hour

// Policy defines how a failed call is retried. Policies are values and never mutated.
type Policy struct {
	FirstInterval     time.Duration `json:"first_interval"`
	MaxAttempts       int           `json:"max_attempts"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
	MaxInterval       time.Duration `json:"max_interval,omitempty"`
}

// DefaultPolicy retries three times, five seconds apart
var DefaultPolicy = Policy{
	FirstInterval: 5 * time.Second,
	MaxAttempts:   3,
}

// NoRetry runs a call exactly once
var NoRetry = Policy{MaxAttempts: 1}

// Validate checks the policy fields
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts > 1 && p.FirstInterval <= 0 {
		return fmt.Errorf("retry policy: first interval must be positive")
	}
	if p.BackoffMultiplier < 0 {
		return fmt.Errorf("retry policy: backoff multiplier must not be negative")
	}
	return nil
}

// ShouldRetry reports whether another attempt follows a failed attempt number (1-based)
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the wait before the attempt that follows failed attempt number attempt (1-based):
// FirstInterval × BackoffMultiplier^(attempt-1), capped by MaxInterval.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffMultiplier
	if factor == 0 {
		factor = 1
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = maxIntervalCap
	}
	if p.FirstInterval >= maxInterval {
		return maxInterval
	}
	b := &backoff.Backoff{
		Min:    p.FirstInterval,
		Max:    maxInterval,
		Factor: factor,
	}
	return b.ForAttempt(float64(attempt - 1))
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn in-process with retries according to the policy, adding up to 50% jitter.
// Used for start-up calls that happen outside the durable engine.
func Do(ctx context.Context, policy Policy, isTransient IsTransientFunc, fn func() error) error {
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) || !policy.ShouldRetry(attempt) {
			return err
		}

		wait := policy.Delay(attempt)
		if half := int64(wait / 2); half > 0 {
			wait += time.Duration(rand.Int63n(half))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return err
}
