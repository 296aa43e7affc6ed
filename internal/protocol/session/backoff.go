package session

import (
	"math"
	"math/rand"
	"time"
)

// Delay returns the wait before reconnect attempt n (1-based). With Jitter
// the delay is scaled into [0.5, 1.5) of its nominal value and then capped
// at MaxDelay again.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := math.Max(b.Multiplier, 1)
	d := float64(b.InitialDelay) * math.Pow(mult, float64(max(n, 1)-1))
	if b.Jitter {
		scale := 1.0
		if rng != nil {
			scale = 0.5 + rng.Float64()
		}
		d *= scale
	}
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	return time.Duration(d)
}
