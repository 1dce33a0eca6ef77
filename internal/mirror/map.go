package mirror

import "time"

// Map is the caller-supplied namespace -> ordered mirror list, shared by
// reference across every Target in that namespace (spec.md §3,
// "Shared mirror lists").
type Map map[string][]*Mirror

// SelectionResult distinguishes "nothing eligible right now, but try
// again later" from "every mirror has been exhausted", the two outcomes
// select_mirror must tell a Target apart (spec.md §4.2).
type SelectionResult struct {
	Mirror          *Mirror
	AllTried        bool
	OnlyRateLimited bool
}

// Select implements select_mirror: from mirrors in the namespace that are
// not in tried, pick the one with the lowest recent failure ratio among
// those eligible now, breaking ties by least-recently-used.
func Select(mirrors []*Mirror, tried map[*Mirror]bool, now time.Time) SelectionResult {
	var candidates []*Mirror
	untried := 0
	rateLimited := false
	for _, m := range mirrors {
		if tried[m] {
			continue
		}
		untried++
		if m.Eligible(now) {
			candidates = append(candidates, m)
		} else if m.RateLimited(now) {
			rateLimited = true
		}
	}
	if untried == 0 {
		return SelectionResult{AllTried: true}
	}
	if len(candidates) == 0 {
		return SelectionResult{OnlyRateLimited: rateLimited}
	}
	best := candidates[0]
	for _, m := range candidates[1:] {
		if better(m, best) {
			best = m
		}
	}
	best.markUsed(now)
	return SelectionResult{Mirror: best}
}

// better reports whether candidate should be preferred over the current
// best pick: lower failure ratio wins, ties broken by least-recently-used.
func better(candidate, best *Mirror) bool {
	cr, br := candidate.FailureRatio(), best.FailureRatio()
	if cr != br {
		return cr < br
	}
	return candidate.lastUsed.Before(best.lastUsed)
}
