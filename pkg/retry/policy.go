package retry

import (
	"math/rand"
	"time"
)

// Policy computes the delay before a failed task becomes eligible again
type Policy struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of the delay, 0 disables
}

// DefaultPolicy returns the default task backoff policy
func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

const minBackoff = 100 * time.Millisecond

// Backoff calculates the delay for a given retry count
func (p Policy) Backoff(retryCount int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}

	backoff := float64(p.InitialBackoff)
	for i := 0; i < retryCount; i++ {
		backoff *= p.BackoffMultiplier
		if time.Duration(backoff) >= p.MaxBackoff && p.MaxBackoff > 0 {
			break
		}
	}
	if p.MaxBackoff > 0 && time.Duration(backoff) > p.MaxBackoff {
		backoff = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}

	d := time.Duration(backoff)
	if d < minBackoff {
		return minBackoff
	}
	return d
}
