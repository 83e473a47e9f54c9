package invoker

import (
	"math/rand"
	"time"
)

const (
	backoffInitial = 50 * time.Millisecond
	backoffFactor  = 2
	backoffCap     = 2 * time.Second
	backoffJitter  = 0.25
)

// backoffDelay computes the sleep before retry attempt n (n >= 1):
// exponential growth with ±25% jitter, capped at 2 s.
func backoffDelay(attempt int) time.Duration {
	delay := backoffInitial
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}
