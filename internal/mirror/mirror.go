// Package mirror models the origins that can serve a logical resource
// namespace, their shared counters, and the selection policy a Target
// uses to pick one. Every field here is mutated only by the Scheduler
// goroutine (see internal/scheduler); that single-writer discipline is
// what lets the rest of the engine read Mirror state without locking,
// the same invariant spec.md §5 describes for the original's
// single-threaded core.
package mirror

import "time"

// Protocol tags which Adapter a Mirror is served by.
type Protocol string

const (
	ProtocolHTTPS       Protocol = "https"
	ProtocolObjectStore Protocol = "object-store"
	ProtocolRegistry    Protocol = "registry"
)

// Mirror is one origin that can serve any resource in its namespace.
type Mirror struct {
	Namespace string
	BaseURL   string
	Protocol  Protocol

	// AllowedParallel is the soft per-mirror concurrency cap.
	AllowedParallel int

	// RunningTransfers, SuccessfulTransfers, FailedTransfers and
	// NextAllowedRetry are owned exclusively by the Scheduler goroutine.
	RunningTransfers    int
	SuccessfulTransfers int
	FailedTransfers     int
	NextAllowedRetry    time.Time

	Stats *Stats

	lastUsed time.Time
}

// New constructs a Mirror with the given soft concurrency cap, defaulting
// to a small cap as spec.md §3 recommends for polite mirror behavior.
func New(namespace, baseURL string, protocol Protocol, allowedParallel int) *Mirror {
	if allowedParallel <= 0 {
		allowedParallel = 2
	}
	return &Mirror{
		Namespace:       namespace,
		BaseURL:         baseURL,
		Protocol:        protocol,
		AllowedParallel: allowedParallel,
		Stats:           newStats(),
	}
}

// Eligible reports whether this mirror can be selected right now: below
// its parallel cap and past any backoff deadline.
func (m *Mirror) Eligible(now time.Time) bool {
	if m.RunningTransfers >= m.AllowedParallel {
		return false
	}
	return !m.NextAllowedRetry.After(now)
}

// RateLimited reports whether the only thing keeping this mirror out of
// rotation is a still-pending backoff window (used to decide whether a
// Target with no eligible mirror should stay Waiting vs fail outright).
func (m *Mirror) RateLimited(now time.Time) bool {
	return m.RunningTransfers < m.AllowedParallel && m.NextAllowedRetry.After(now)
}

func (m *Mirror) markUsed(now time.Time) {
	m.lastUsed = now
	m.RunningTransfers++
}

// ReleaseRunning decrements the in-flight count for this mirror without
// touching stats or backoff. Used for attempt endings that spec.md §4.2
// does not call out as stats-affecting: fatal 4xx, checksum/size
// mismatch, a range-refusal downgrade, and cancellation.
func (m *Mirror) ReleaseRunning() {
	if m.RunningTransfers > 0 {
		m.RunningTransfers--
	}
}

// RecordSuccess updates counters and the rolling stats window after a
// transfer on this mirror finishes cleanly.
func (m *Mirror) RecordSuccess() {
	m.ReleaseRunning()
	m.SuccessfulTransfers++
	m.Stats.record(true)
}

// RecordFailure updates counters, the rolling stats window, and sets
// NextAllowedRetry using the exponential-backoff-with-jitter curve in
// backoff.go. Call exactly for the two soft-failure kinds spec.md §4.2
// names as stats-affecting: HTTP 5xx/429, and a transport error once its
// per-mirror retry cap is exhausted.
func (m *Mirror) RecordFailure(now time.Time) {
	m.ReleaseRunning()
	m.FailedTransfers++
	m.Stats.record(false)
	m.NextAllowedRetry = now.Add(nextBackoff(m.Stats))
}

// FailureRatio is the rolling ratio of failures within the stats window,
// used by selection to prefer the currently healthiest mirror.
func (m *Mirror) FailureRatio() float64 {
	return m.Stats.failureRatio()
}
