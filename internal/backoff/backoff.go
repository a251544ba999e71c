// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math"
	"time"
)

// Delay returns base doubled once per prior attempt, capped at max.
// Attempt 1 waits base, attempt 2 waits 2*base and so on. A max of zero or
// less leaves the delay uncapped, saturating at the largest Duration.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if max > 0 && delay >= max/2 {
			return max
		}
		if delay > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Schedule returns the delays for attempts 1..n.
func Schedule(n int, base, max time.Duration) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Delay(i, base, max))
	}
	return out
}
