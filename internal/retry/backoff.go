// Package retry implements capped exponential backoff shared by storage
// transactions and transport reconnects.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	MaxRetries int           // attempts after the first one
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap applied after multiplying
	Multiplier float64       // growth factor per attempt, 2.0 when zero
	Jitter     bool          // +/-10% random jitter
}

// DefaultConfig returns a short backoff suited to local transaction retries.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (c Config) Delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(c.BaseDelay) * math.Pow(mult, float64(attempt))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(c.BaseDelay)
		}
	}
	return time.Duration(delay)
}

// Result describes a finished retry loop.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	Err           error
}

// Do runs op until it succeeds, returns an error retryable rejects, the
// attempts are exhausted, or ctx is done. onRetry, when non-nil, is called
// before each wait.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, op func(attempt int) error, onRetry func(attempt int, delay time.Duration, err error)) Result {
	start := time.Now()
	var res Result
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		err := op(attempt)
		if err == nil {
			res.Err = nil
			res.TotalDuration = time.Since(start)
			return res
		}
		res.Err = err
		if attempt >= cfg.MaxRetries || (retryable != nil && !retryable(err)) {
			break
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
		delay := cfg.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Err = ctx.Err()
			res.TotalDuration = time.Since(start)
			return res
		case <-t.C:
		}
	}
	res.TotalDuration = time.Since(start)
	return res
}
