package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff returns base doubled for every attempt after the first, spread by
// ±jitterPct (0.2 is 20%). Attempts below one count as the first.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if jitterPct <= 0 {
		return d
	}
	spread := float64(d) * jitterPct
	return d + time.Duration((2*rand.Float64()-1)*spread)
}
