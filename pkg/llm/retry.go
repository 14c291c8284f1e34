package llm

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds retry behavior for backend requests.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration
	// BackoffMultiplier is applied to the backoff on each retry.
	BackoffMultiplier float64
	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry defaults for backend requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// backoff computes the delay before retry attempt n (0-based), with ±25%
// jitter so concurrent workers do not retry in lockstep.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.BackoffBase) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if max := float64(c.MaxBackoff); c.MaxBackoff > 0 && d > max {
		d = max
	}
	jitter := 1 + (rand.Float64()*0.5 - 0.25)
	return time.Duration(d * jitter)
}
