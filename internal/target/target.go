// Package target implements the per-resource state machine (spec.md
// §3, §4.2): mirror selection, resume policy, streaming verification
// bookkeeping, and completion evaluation. A Target's fields are written
// by the Scheduler (see internal/scheduler) and, while its transfer is
// Running, by that transfer's OnHeader/OnWrite callbacks on the Transfer
// Client's per-handle goroutine (OnWrite, OnRangeIgnored). Nothing here
// takes a lock.
package target

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tanq16/mirrorpull/internal/mirror"
	"github.com/tanq16/mirrorpull/internal/verify"
)

// State is one of the five states spec.md §3 names for a Target.
type State int

const (
	Waiting State = iota
	Preparing
	Running
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Preparing:
		return "preparing"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// HeaderState mirrors spec.md §3's header_state field.
type HeaderState int

const (
	HeaderInitial HeaderState = iota
	HeaderDone
	HeaderInterrupted
)

// Checksum is one (algorithm, expected hex digest) pair a Target must
// verify before it is allowed to reach Finished.
type Checksum struct {
	Algorithm string
	HexDigest string
}

// ProgressFunc is invoked from the write-callback path; it must not
// block (spec.md §6, "Progress callback protocol").
type ProgressFunc func(totalExpected, transferredThisAttempt int64)

// EndFunc is invoked exactly once, when a Target reaches a terminal
// state.
type EndFunc func(t *Target, err error)

// Spec is the caller-supplied, immutable-during-transfer descriptor
// (spec.md's DownloadTarget).
type Spec struct {
	Path            string
	MirrorNamespace string
	Destination     string
	ExpectedSize    int64 // 0 means unset
	Checksums       []Checksum
	Resume          bool
	Label           string // §C.1: short display label, independent of Destination

	OnProgress ProgressFunc
	OnEnd      EndFunc
}

// perMirrorRetryCap bounds how many times a transport error is retried
// against the same mirror before spec.md §4.2 requires marking it tried.
const perMirrorRetryCap = 3

// Target is the runtime state for one in-flight Spec.
type Target struct {
	ID    string
	Spec  Spec
	State State

	Mirrors       []*mirror.Mirror
	TriedMirrors  map[*mirror.Mirror]bool
	CurrentMirror *mirror.Mirror

	Retries     int
	ResumeCount int

	OriginalOffset  int64
	TempFile        string
	WritecbReceived int64

	HeaderState HeaderState
	RangeFail   bool

	digests *verify.Pipeline

	file *os.File

	// transportFailures counts consecutive transport errors against
	// CurrentMirror within the current mirror selection.
	transportFailures int

	// FailReason carries the fatal-for-target reason once State is
	// Failed (spec.md §7's taxonomy, as strings for logging).
	FailReason string
}

// New builds a Waiting Target for spec against the given shared mirror
// list. mirrors is the live slice backing namespace's entry in a
// mirror.Map; it is read, never copied, so later RecordSuccess /
// RecordFailure calls on any mirror in it are visible to every Target
// sharing the namespace.
func New(spec Spec, mirrors []*mirror.Mirror) *Target {
	return &Target{
		ID:           uuid.NewString(),
		Spec:         spec,
		State:        Waiting,
		Mirrors:      mirrors,
		TriedMirrors: make(map[*mirror.Mirror]bool),
		TempFile:     spec.Destination + ".partial",
		digests:      verify.NewPipeline(checksumAlgorithms(spec.Checksums)),
	}
}

func checksumAlgorithms(cs []Checksum) []string {
	algos := make([]string, len(cs))
	for i, c := range cs {
		algos[i] = c.Algorithm
	}
	return algos
}

// closeFile closes the open temp-file handle, if any, so a subsequent
// rename or remove never races an open descriptor (spec.md §5: "on
// transition out of Running the file is closed before any rename or
// delete"). Safe to call more than once.
func (t *Target) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// resetAttempt (§C.3) clears per-attempt transient state on every
// transition out of Running. Digest contexts are not touched here:
// OpenForWrite re-initializes them at the start of the next attempt and
// re-seeds them from the on-disk prefix when resuming, so the final
// digest covers the whole file (spec.md §4.5). transportFailures is also left untouched here: it must accumulate
// across repeated attempts against the *same* mirror so the per-mirror
// retry cap in onTransportError can ever trip. It is reset only in
// SelectMirror, when the chosen mirror actually changes.
func (t *Target) resetAttempt() {
	t.closeFile()
	t.WritecbReceived = 0
	t.HeaderState = HeaderInitial
}

// Label returns the display label (§C.1), falling back to Destination
// when the caller did not supply one.
func (t *Target) Label() string {
	if t.Spec.Label != "" {
		return t.Spec.Label
	}
	return t.Spec.Destination
}

// SelectMirror implements select_mirror (spec.md §4.2). It returns the
// chosen mirror, or nil with exhausted=true if tried_mirrors now covers
// the whole list, or nil with exhausted=false if every untried mirror is
// merely rate-limited (caller should leave the Target in Waiting and
// retry on the next tick). On success it also sets CurrentMirror, since
// a Target in Preparing or Running must have exactly one associated
// mirror (spec.md §3 invariant 1). After a transport error below
// perMirrorRetryCap, the current mirror is chosen again whenever it is
// still selectable.
func (t *Target) SelectMirror(now time.Time) (m *mirror.Mirror, exhausted bool) {
	if t.transportFailures > 0 && t.CurrentMirror != nil {
		if res := mirror.Select([]*mirror.Mirror{t.CurrentMirror}, t.TriedMirrors, now); res.Mirror != nil {
			return res.Mirror, false
		}
	}
	res := mirror.Select(t.Mirrors, t.TriedMirrors, now)
	if res.AllTried {
		return nil, true
	}
	if res.Mirror != nil {
		if res.Mirror != t.CurrentMirror {
			t.transportFailures = 0
		}
		t.CurrentMirror = res.Mirror
	}
	return res.Mirror, false
}

// MarkExhausted transitions the Target to Failed with reason
// mirrors_exhausted (spec.md §4.2).
func (t *Target) MarkExhausted() {
	t.State = Failed
	t.FailReason = "mirrors_exhausted"
}

// FailFatal transitions the Target to Failed for a reason no mirror
// switch would fix, e.g. a local I/O error (spec.md §7).
func (t *Target) FailFatal(reason string) {
	t.State = Failed
	t.FailReason = reason
}

// BeginAttempt computes the resume offset per spec.md §4.2's resume
// policy and returns it alongside whether a ranged request should be
// issued. It must be called while the Target is transitioning into
// Preparing, before the adapter's Prepare is invoked.
func (t *Target) BeginAttempt() (offset int64, ranged bool) {
	if t.Spec.Resume && !t.RangeFail {
		if info, err := os.Stat(t.TempFile); err == nil && info.Size() > 0 {
			t.OriginalOffset = info.Size()
			return t.OriginalOffset, true
		}
	}
	t.OriginalOffset = 0
	_ = os.Remove(t.TempFile)
	return 0, false
}

// OpenForWrite opens temp_file for the current attempt: append mode when
// resuming with a ranged request, truncating otherwise. Either way the
// digest contexts are re-initialized first and, on a resume, fed the
// existing partial-file contents before the transfer begins (spec.md
// §4.5). Re-initializing on every attempt, not only the non-resume one,
// matters because a retry of the same ranged attempt (a transport error
// under the per-mirror retry cap, or a 5xx that does not set range_fail)
// must rebuild the digest over exactly the current on-disk prefix —
// seeding into an already-seeded digest would double-count that prefix.
func (t *Target) OpenForWrite(ranged bool) error {
	flag := os.O_CREATE | os.O_WRONLY
	if ranged {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	t.digests.Reset(checksumAlgorithms(t.Spec.Checksums))
	f, err := os.OpenFile(t.TempFile, flag, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", t.TempFile, err)
	}
	t.file = f
	if ranged {
		if err := t.digests.SeedFromFile(t.TempFile, t.OriginalOffset); err != nil {
			f.Close()
			t.file = nil
			return fmt.Errorf("seeding digests from partial file: %w", err)
		}
	}
	return nil
}

// OnWrite implements the write-callback contract of spec.md §4.2/§4.5:
// append the chunk, feed every digest context, count it into
// writecb_received, and enforce expected_size if set. A non-nil error
// means the caller must abort the transfer; HeaderState is already set
// to Interrupted with the matching reason.
func (t *Target) OnWrite(chunk []byte) error {
	if _, err := t.file.Write(chunk); err != nil {
		return fmt.Errorf("writing to %s: %w", t.TempFile, err)
	}
	t.digests.Write(chunk)
	t.WritecbReceived += int64(len(chunk))

	if t.Spec.ExpectedSize > 0 && t.OriginalOffset+t.WritecbReceived > t.Spec.ExpectedSize {
		t.HeaderState = HeaderInterrupted
		return errSizeExceeded
	}
	return nil
}

// OnRangeIgnored implements the range-refusal branch of spec.md §4.2:
// the server answered a ranged request with a full 200 body. Sets
// range_fail sticky and marks the header state Interrupted so the
// Scheduler knows to abort and retry the same mirror without a range.
func (t *Target) OnRangeIgnored() {
	t.HeaderState = HeaderInterrupted
	t.RangeFail = true
}

var errSizeExceeded = fmt.Errorf("size_exceeded")
