package swarm

import (
	"math/rand"
	"time"
)

// RetryPolicy controls automatic retry of transient task failures.
//
// The delay before attempt n+1 is measured from the end of the failed
// attempt n:
//
//	delay = Delay * (2^(n-1) if ExponentialBackoff else 1) * (1 + U(-J, +J))
//
// where J is JitterFraction. Jitter spreads concurrent retries to avoid
// synchronized retry storms.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Must be >= 1; 1 means no retries.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Delay is the base delay between attempts.
	Delay time.Duration `yaml:"delay" json:"delay"`

	// ExponentialBackoff doubles the delay with each failed attempt.
	ExponentialBackoff bool `yaml:"exponential_backoff" json:"exponential_backoff"`

	// JitterFraction in [0, 1] randomizes the delay by +/- that fraction.
	JitterFraction float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
}

// DefaultRetryPolicy matches the documented definition-schema defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		Delay:              2 * time.Second,
		ExponentialBackoff: true,
		JitterFraction:     0.1,
	}
}

// Validate checks the policy constraints.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &ValidationError{Kind: InvalidRetryPolicy, Path: "retry_policy.max_attempts", Detail: "must be >= 1"}
	}
	if p.Delay < 0 {
		return &ValidationError{Kind: InvalidRetryPolicy, Path: "retry_policy.delay_seconds", Detail: "must be >= 0"}
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return &ValidationError{Kind: InvalidRetryPolicy, Path: "retry_policy.jitter_fraction", Detail: "must be in [0, 1]"}
	}
	return nil
}

// ShouldRetry reports whether another attempt is permitted after the given
// number of completed attempts.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// BackoffDelay computes the delay after the given failed attempt
// (1-based). The result is clamped to >= 0.
//
// The rng parameter supplies jitter; nil falls back to the shared
// math/rand source.
func (p RetryPolicy) BackoffDelay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Delay)
	if p.ExponentialBackoff {
		// 2^(attempt-1), capped at 30 doublings to avoid overflow.
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		delay *= float64(int64(1) << shift)
	}

	if p.JitterFraction > 0 {
		var u float64
		if rng != nil {
			u = rng.Float64()
		} else {
			u = rand.Float64() // #nosec G404 -- retry jitter, not security
		}
		// u in [0,1) -> factor in [1-J, 1+J)
		delay *= 1 + p.JitterFraction*(2*u-1)
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
