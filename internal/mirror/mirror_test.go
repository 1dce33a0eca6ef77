package mirror

import (
	"testing"
	"time"
)

func TestEligibleRespectsParallelCap(t *testing.T) {
	m := New("ns", "https://a.example", ProtocolHTTPS, 2)
	now := time.Now()
	if !m.Eligible(now) {
		t.Fatal("fresh mirror should be eligible")
	}
	m.markUsed(now)
	m.markUsed(now)
	if m.Eligible(now) {
		t.Fatal("mirror at its parallel cap should not be eligible")
	}
}

func TestRecordFailureSetsBackoff(t *testing.T) {
	m := New("ns", "https://a.example", ProtocolHTTPS, 2)
	now := time.Now()
	m.markUsed(now)
	m.RecordFailure(now)
	if !m.NextAllowedRetry.After(now) {
		t.Fatal("a recorded failure should push next_allowed_retry into the future")
	}
	if m.Eligible(now) {
		t.Fatal("mirror should not be eligible immediately after a recorded failure")
	}
}

func TestSelectPrefersLowerFailureRatio(t *testing.T) {
	now := time.Now()
	healthy := New("ns", "https://healthy.example", ProtocolHTTPS, 4)
	flaky := New("ns", "https://flaky.example", ProtocolHTTPS, 4)
	for i := 0; i < 5; i++ {
		flaky.markUsed(now)
		flaky.RecordFailure(now)
		flaky.NextAllowedRetry = time.Time{} // force eligible despite backoff, to isolate the ratio comparison
	}

	res := Select([]*Mirror{flaky, healthy}, map[*Mirror]bool{}, now)
	if res.Mirror != healthy {
		t.Fatalf("expected the healthy mirror to be selected, got %v", res.Mirror)
	}
}

func TestSelectAllTried(t *testing.T) {
	now := time.Now()
	m1 := New("ns", "https://a.example", ProtocolHTTPS, 2)
	m2 := New("ns", "https://b.example", ProtocolHTTPS, 2)
	tried := map[*Mirror]bool{m1: true, m2: true}
	res := Select([]*Mirror{m1, m2}, tried, now)
	if !res.AllTried {
		t.Fatal("expected AllTried when every mirror is in the tried set")
	}
}

func TestSelectOnlyRateLimited(t *testing.T) {
	now := time.Now()
	m1 := New("ns", "https://a.example", ProtocolHTTPS, 2)
	m1.markUsed(now)
	m1.RecordFailure(now)
	res := Select([]*Mirror{m1}, map[*Mirror]bool{}, now)
	if res.AllTried {
		t.Fatal("a rate-limited mirror is not the same as tried")
	}
	if res.Mirror != nil {
		t.Fatal("expected no mirror to be eligible yet")
	}
	if !res.OnlyRateLimited {
		t.Fatal("expected OnlyRateLimited to be true")
	}
}
