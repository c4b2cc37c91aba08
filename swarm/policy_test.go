package swarm

import (
	"math/rand"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		ok     bool
	}{
		{"defaults", DefaultRetryPolicy(), true},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, true},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, false},
		{"negative delay", RetryPolicy{MaxAttempts: 1, Delay: -time.Second}, false},
		{"jitter too large", RetryPolicy{MaxAttempts: 1, JitterFraction: 1.5}, false},
		{"jitter negative", RetryPolicy{MaxAttempts: 1, JitterFraction: -0.1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	for attempt, want := range map[int]bool{1: true, 2: true, 3: false, 4: false} {
		if got := p.ShouldRetry(attempt); got != want {
			t.Errorf("ShouldRetry(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Run("constant without backoff", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, Delay: time.Second}
		for attempt := 1; attempt <= 4; attempt++ {
			if got := p.BackoffDelay(attempt, nil); got != time.Second {
				t.Errorf("BackoffDelay(%d) = %v, want 1s", attempt, got)
			}
		}
	})

	t.Run("doubles with backoff", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, Delay: time.Second, ExponentialBackoff: true}
		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
		for i, w := range want {
			if got := p.BackoffDelay(i+1, nil); got != w {
				t.Errorf("BackoffDelay(%d) = %v, want %v", i+1, got, w)
			}
		}
	})

	t.Run("jitter stays in band", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 3, Delay: time.Second, JitterFraction: 0.1}
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 1000; i++ {
			d := p.BackoffDelay(1, rng)
			if d < 900*time.Millisecond || d > 1100*time.Millisecond {
				t.Fatalf("BackoffDelay with 10%% jitter = %v, out of band", d)
			}
		}
	})
}

func TestBackoffDelayProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := RetryPolicy{
			MaxAttempts:        rapid.IntRange(1, 10).Draw(rt, "max"),
			Delay:              time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(rt, "delay")),
			ExponentialBackoff: rapid.Bool().Draw(rt, "exp"),
			JitterFraction:     rapid.Float64Range(0, 1).Draw(rt, "jitter"),
		}
		attempt := rapid.IntRange(1, 50).Draw(rt, "attempt")
		rng := rand.New(rand.NewSource(rapid.Int64().Draw(rt, "seed")))

		d := p.BackoffDelay(attempt, rng)
		if d < 0 {
			rt.Fatalf("negative delay %v", d)
		}
		if p.JitterFraction == 0 && !p.ExponentialBackoff && d != p.Delay {
			rt.Fatalf("delay %v should equal base %v", d, p.Delay)
		}
	})
}
