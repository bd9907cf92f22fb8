package reliability

import (
	"math/rand"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// JitteredBackoff applies ±20% jitter on top of ExponentialBackoff. All
// mutating calls to external services share this discipline: 0.5s * 2^n,
// jittered, capped.
func JitteredBackoff(attempt int, base, cap time.Duration) time.Duration {
	d := ExponentialBackoff(attempt, base, cap)
	jitter := 0.8 + 0.4*rand.Float64()
	j := time.Duration(float64(d) * jitter)
	if j > cap {
		return cap
	}
	return j
}
