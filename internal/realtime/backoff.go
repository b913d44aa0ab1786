package realtime

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns the wait before reconnect attempt n (1-based):
// base doubled per attempt, capped at maxDelay, plus up to 20% jitter.
func backoffDelay(n int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n && (maxDelay <= 0 || d < maxDelay); i++ {
		d *= 2
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j + 1))
	}
	return d
}
