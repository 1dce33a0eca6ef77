package target

import (
	"fmt"
	"os"
	"time"

	"github.com/tanq16/mirrorpull/internal/adapter"
	"github.com/tanq16/mirrorpull/internal/mirror"
)

// Transition is what the Scheduler should do after HandleCompletion
// returns: either the Target is done (Finished or Failed) or it should
// go back to Waiting to select a mirror again on the next admit pass.
type Transition int

const (
	TransitionWaiting Transition = iota
	TransitionFinished
	TransitionFailed
)

// Info snapshots the fields an Adapter needs, matching the value-type
// contract adapter.TargetInfo exposes.
func (t *Target) Info() adapter.TargetInfo {
	return adapter.TargetInfo{
		Path:         t.Spec.Path,
		Namespace:    t.Spec.MirrorNamespace,
		Destination:  t.Spec.Destination,
		ResumeOffset: t.OriginalOffset,
	}
}

// HandleCompletion implements the completion-evaluation branches of
// spec.md §4.2. Every branch releases the mirror's running slot itself
// (RecordSuccess, RecordFailure or ReleaseRunning); the caller does not
// decrement it. Deciding *when* to touch the mirror's stats and
// tried-set lives here because that decision is part of the state
// machine, not the Scheduler's dispatch plumbing.
func (t *Target) HandleCompletion(now time.Time, outcome adapter.Outcome) Transition {
	m := t.CurrentMirror
	defer t.resetAttempt()
	t.State = Waiting // overridden below for the terminal branches

	switch outcome.Kind {
	case adapter.OutcomeTransportError:
		return t.onTransportError(now, m, outcome)

	case adapter.OutcomeRangeNotSupported:
		// Sticky range_fail already set via OnRangeIgnored; the mirror is
		// not marked tried, resume_count increments, retry same mirror.
		t.ResumeCount++
		m.ReleaseRunning()
		return TransitionWaiting

	case adapter.OutcomeAuthError:
		// An auth error is fatal for this mirror on its first occurrence:
		// the mirror is marked tried and is not retried with refreshed
		// credentials. The adapter sees the outcome via OnTransferComplete.
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		return TransitionWaiting

	case adapter.OutcomeClientError:
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		return TransitionWaiting

	case adapter.OutcomeServerError:
		m.RecordFailure(now)
		return TransitionWaiting

	case adapter.OutcomeSizeMismatch, adapter.OutcomeChecksumMismatch:
		t.closeFile()
		os.Remove(t.TempFile)
		t.RangeFail = true // §8 law: no resume against any mirror after a checksum mismatch
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		return TransitionWaiting

	case adapter.OutcomeCancelled:
		m.ReleaseRunning()
		t.FailReason = "cancelled"
		t.State = Failed
		return TransitionFailed

	case adapter.OutcomeSuccess:
		return t.finalize(now, m)

	default:
		m.ReleaseRunning()
		t.FailReason = fmt.Sprintf("unrecognized outcome kind %d", outcome.Kind)
		t.State = Failed
		return TransitionFailed
	}
}

func (t *Target) onTransportError(now time.Time, m *mirror.Mirror, outcome adapter.Outcome) Transition {
	t.transportFailures++
	t.Retries++
	if t.transportFailures < perMirrorRetryCap {
		m.ReleaseRunning()
		return TransitionWaiting
	}
	m.RecordFailure(now)
	t.TriedMirrors[m] = true
	return TransitionWaiting
}

// finalize runs the checksum/size validation of spec.md §4.5 and, on
// success, renames temp_file to destination atomically.
func (t *Target) finalize(now time.Time, m *mirror.Mirror) Transition {
	t.closeFile() // must happen before any rename or delete below

	total := t.OriginalOffset + t.WritecbReceived
	if t.Spec.ExpectedSize > 0 && total != t.Spec.ExpectedSize {
		os.Remove(t.TempFile)
		t.RangeFail = true
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		return TransitionWaiting
	}

	want := make(map[string]string, len(t.Spec.Checksums))
	for _, c := range t.Spec.Checksums {
		want[c.Algorithm] = c.HexDigest
	}
	if _, ok := t.digests.Verify(want); !ok {
		os.Remove(t.TempFile)
		t.RangeFail = true
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		return TransitionWaiting
	}

	if err := os.Rename(t.TempFile, t.Spec.Destination); err != nil {
		m.ReleaseRunning()
		t.FailReason = fmt.Sprintf("local_io_error: %v", err)
		t.State = Failed
		return TransitionFailed
	}
	m.RecordSuccess()
	t.State = Finished
	return TransitionFinished
}
