package mirror

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// nextBackoff computes the exponential-with-jitter delay before a mirror
// becomes eligible again, driven off its own recent failure-rate window
// per spec.md §4.2 ("the curve is a function of the mirror's recent
// failure rate, not global"). github.com/cenkalti/backoff/v4 supplies the
// curve and jitter; we seed it fresh per call and walk it forward by the
// mirror's current streak of consecutive failures so the delay grows with
// repeated soft failures and resets once a mirror starts succeeding again.
func nextBackoff(stats *Stats) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3
	b.MaxInterval = 5 * time.Minute

	streak := stats.consecutiveFailures()
	if streak < 1 {
		streak = 1
	}
	var d time.Duration
	for i := 0; i < streak; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		d = b.MaxInterval
	}
	return d
}
