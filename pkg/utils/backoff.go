package utils

import (
	"math"
	"math/rand"
	"time"
)

// JitterFraction is the upper bound of the random delay added on top of the
// exponential delay, as a fraction of that delay.
const JitterFraction = 0.1

// Backoff returns the delay before retry number attempt (zero based):
// base * 2^attempt, capped at max when max > 0, plus up to 10% jitter.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := ExponentialDelay(attempt, base, max)
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Float64()*JitterFraction*float64(d))
}

// ExponentialDelay is the deterministic part of Backoff.
func ExponentialDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if max > 0 && (d > max || d < 0) {
		d = max
	}
	return d
}
