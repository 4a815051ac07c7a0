package engine

import "math"

// Backoff policy: exponential from a 30s base, capped at 1h, with strictly
// additive jitter of up to 20% of the capped value. The realized delay for
// a given attempt therefore lies in [capped, capped*1.2].
const (
	backoffBaseMillis   = 30_000
	backoffCapMillis    = 3_600_000
	backoffJitterWeight = 0.2
)

// Delay returns the backoff delay in milliseconds before retrying an
// operation that has already failed attempt times. rnd must return a value
// in [0, 1).
func Delay(attempt int, rnd func() float64) int64 {
	exponential := float64(backoffBaseMillis) * math.Pow(2, float64(attempt))
	capped := math.Min(exponential, backoffCapMillis)
	jitter := rnd() * capped * backoffJitterWeight
	return int64(math.Round(capped + jitter))
}
