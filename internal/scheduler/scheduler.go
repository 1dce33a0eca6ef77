// Package scheduler is the Scheduler (spec.md §4.4): the admit/drive/
// dispatch/terminate loop that owns every Target and the one shared
// Transfer Client, multiplexing transfers up to a concurrency cap and
// routing completion events back into each Target's state machine. It
// is the single logical thread of control spec.md §5 describes for
// Mirror counters, which are written only from this loop. Target fields
// are written from this loop and, while a transfer runs, from that
// transfer's callbacks (see internal/transfer). Neither type takes a lock.
package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tanq16/mirrorpull/internal/adapter"
	"github.com/tanq16/mirrorpull/internal/mirror"
	"github.com/tanq16/mirrorpull/internal/output"
	"github.com/tanq16/mirrorpull/internal/target"
	"github.com/tanq16/mirrorpull/internal/transfer"
)

var log = output.GetLogger("scheduler")

// Scheduler drives a batch of Targets to completion.
type Scheduler struct {
	adapters       map[string]adapter.Adapter // keyed by mirror.Protocol string
	transferClient *transfer.Client
	concurrencyCap int

	mu        sync.Mutex
	targets   []*target.Target
	running   map[*target.Target]*attempt
	prepared  map[*target.Target]preparedRequest
	probed    map[*target.Target]bool // ExpectedSize came from a Stat probe
	cancelled bool
}

// attempt tracks the per-attempt bookkeeping the Scheduler needs outside
// the Target itself; running keys it by the Target whose transfer is in
// flight.
type attempt struct {
	ranged       bool
	rangeIgnored bool
}

// preparedRequest caches the last Request an Adapter produced for a
// Target, along with the (mirror, resume offset) it was built for, so
// startAttempt can honor Adapter.NeedsPreparation (spec.md §4.1): a
// cached Request is only reused when it was built for the exact same
// mirror and offset the new attempt needs, since a stale Range header
// would otherwise corrupt a resumed transfer.
type preparedRequest struct {
	mirror *mirror.Mirror
	offset int64
	req    *adapter.Request
}

// New builds a Scheduler. adapters maps a mirror.Protocol string (e.g.
// "https", "object-store", "registry") to the Adapter that serves it.
func New(adapters map[string]adapter.Adapter, httpClient *http.Client, concurrencyCap int) *Scheduler {
	if concurrencyCap <= 0 {
		concurrencyCap = 8
	}
	return &Scheduler{
		adapters:       adapters,
		transferClient: transfer.New(httpClient),
		concurrencyCap: concurrencyCap,
		running:        make(map[*target.Target]*attempt),
		prepared:       make(map[*target.Target]preparedRequest),
		probed:         make(map[*target.Target]bool),
	}
}

// Add registers a Target to be driven by the next Run call.
func (s *Scheduler) Add(t *target.Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
}

// Cancel implements Downloader.cancel (spec.md §6): stop admitting new
// transfers, abort every active handle, and mark running Targets Failed
// with reason cancelled. Partial files are left in place.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	waiting := make([]*target.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.State == target.Waiting {
			waiting = append(waiting, t)
		}
	}
	s.mu.Unlock()

	s.transferClient.AbortAll()
	// Targets with no active transfer will never see a CompletionEvent
	// to carry the cancelled outcome to them; fail them directly so Run
	// can still converge on allTerminal.
	for _, t := range waiting {
		t.FailFatal("cancelled")
		s.finish(t)
	}
}

// Run drives every added Target to a terminal state and returns true
// iff all of them reached Finished (spec.md §6's download() contract).
func (s *Scheduler) Run(ctx context.Context) bool {
	allOK := true
	for {
		if s.allTerminal() {
			break
		}
		s.admit(ctx)

		s.mu.Lock()
		inFlight := len(s.running)
		s.mu.Unlock()
		if inFlight == 0 {
			// Nothing in flight and nothing admitted: every remaining
			// Target must be waiting on a rate-limited mirror. Sleep
			// briefly rather than busy-spin the admit loop.
			if s.allTerminal() {
				break
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}

		event, ok := s.transferClient.Perform(ctx)
		if !ok {
			// Context cancelled externally; treat like Cancel().
			s.Cancel()
			continue
		}
		s.dispatch(event)
	}

	s.mu.Lock()
	for _, t := range s.targets {
		if t.State != target.Finished {
			allOK = false
		}
	}
	s.mu.Unlock()
	return allOK
}

func (s *Scheduler) allTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.State != target.Finished && t.State != target.Failed {
			return false
		}
	}
	return true
}

// admit implements step 1 of spec.md §4.4's main loop: while there is
// admission headroom and a Waiting Target can select a mirror, promote
// it through Preparing into Running.
func (s *Scheduler) admit(ctx context.Context) {
	s.mu.Lock()
	cancelled := s.cancelled
	waiting := make([]*target.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.State == target.Waiting {
			waiting = append(waiting, t)
		}
	}
	s.mu.Unlock()

	if cancelled {
		return
	}

	now := time.Now()
	for _, t := range waiting {
		if s.transferClient.ActiveCount() >= s.concurrencyCap {
			return
		}
		m, exhausted := t.SelectMirror(now)
		if exhausted {
			t.MarkExhausted()
			s.finish(t)
			continue
		}
		if m == nil {
			continue // rate-limited; revisit next tick
		}
		s.startAttempt(ctx, t, m)
	}
}

// prepare returns the Request for this attempt, calling the adapter's
// Prepare only when it reports out-of-band work is actually needed
// (spec.md §4.1's needs_preparation, "so the core can avoid repeating
// auth work"). A cached Request is reused only when it was built for
// this exact (mirror, resume offset) pair; otherwise a stale Range
// header could be replayed against a different attempt.
func (s *Scheduler) prepare(ctx context.Context, ad adapter.Adapter, t *target.Target, m *mirror.Mirror) (*adapter.Request, error) {
	s.mu.Lock()
	cached, ok := s.prepared[t]
	s.mu.Unlock()

	sameContext := ok && cached.mirror == m && cached.offset == t.OriginalOffset
	if sameContext && !ad.NeedsPreparation(t.Info()) {
		return cached.req, nil
	}

	req, err := ad.Prepare(ctx, m.BaseURL, t.Info())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.prepared[t] = preparedRequest{mirror: m, offset: t.OriginalOffset, req: req}
	s.mu.Unlock()
	return req, nil
}

func (s *Scheduler) startAttempt(ctx context.Context, t *target.Target, m *mirror.Mirror) {
	t.State = target.Preparing
	_, ranged := t.BeginAttempt()

	ad, ok := s.adapters[string(m.Protocol)]
	if !ok {
		log.Error().Str("protocol", string(m.Protocol)).Msg("no adapter registered for protocol")
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		t.State = target.Waiting
		return
	}

	req, err := s.prepare(ctx, ad, t, m)
	if err != nil {
		log.Warn().Err(err).Str("mirror", m.BaseURL).Msg("prepare failed")
		m.ReleaseRunning()
		t.TriedMirrors[m] = true
		t.State = target.Waiting
		return
	}

	// §C.4: when the caller never supplied an expected size, ask an
	// Adapter that can cheaply probe it before opening the transfer, so
	// a size_exceeded abort does not have to discover the mismatch the
	// hard way. Absence of Stater, or a declined answer, never blocks. A
	// probed size holds only for the mirror that answered it: each later
	// attempt clears it and probes its own mirror again, while a size the
	// caller supplied is never replaced.
	if t.Spec.ExpectedSize == 0 || s.probed[t] {
		t.Spec.ExpectedSize = 0
		s.probed[t] = false
		if stater, ok := ad.(adapter.Stater); ok {
			if size, ok := stater.Stat(ctx, m.BaseURL, t.Info()); ok && size > 0 {
				t.Spec.ExpectedSize = size
				s.probed[t] = true
			}
		}
	}

	if err := t.OpenForWrite(ranged); err != nil {
		log.Error().Err(err).Str("destination", t.Spec.Destination).Msg("local I/O error opening temp file")
		m.ReleaseRunning()
		t.FailFatal("local_io_error")
		s.finish(t)
		return
	}

	at := &attempt{ranged: ranged}
	s.mu.Lock()
	s.running[t] = at
	s.mu.Unlock()

	t.State = target.Running
	s.transferClient.Add(ctx, t, transfer.Request{Method: req.Method, URL: req.URL, Headers: req.Headers}, transfer.Callbacks{
		OnHeader: func(resp *http.Response) transfer.Action {
			if at.ranged && resp.StatusCode != http.StatusPartialContent && resp.StatusCode/100 == 2 {
				t.OnRangeIgnored()
				at.rangeIgnored = true
				return transfer.Abort
			}
			return transfer.Continue
		},
		OnWrite: func(chunk []byte) transfer.Action {
			if err := t.OnWrite(chunk); err != nil {
				return transfer.Abort
			}
			return transfer.Continue
		},
		OnProgress: func(totalExpected, transferred int64) {
			if t.Spec.OnProgress != nil {
				t.Spec.OnProgress(totalExpected, transferred)
			}
		},
	})
}

// dispatch implements step 3 of spec.md §4.4: route the completion event
// back to its Target, classify the outcome, notify the adapter, apply
// the state machine transition, and requeue or finish.
func (s *Scheduler) dispatch(event transfer.CompletionEvent) {
	t := event.Handle.Tag.(*target.Target)

	s.mu.Lock()
	at := s.running[t]
	delete(s.running, t)
	s.mu.Unlock()

	outcome := classify(event.Outcome, at, s.cancelledFlag())
	m := t.CurrentMirror
	ad := s.adapters[string(m.Protocol)]
	ad.OnTransferComplete(context.Background(), t.Info(), outcome)

	switch t.HandleCompletion(time.Now(), outcome) {
	case target.TransitionFinished, target.TransitionFailed:
		s.finish(t)
	case target.TransitionWaiting:
		// t.State is already Waiting; admit() will pick it up next tick.
	}
}

func (s *Scheduler) cancelledFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func classify(o transfer.Outcome, at *attempt, cancelled bool) adapter.Outcome {
	if cancelled {
		return adapter.Outcome{Kind: adapter.OutcomeCancelled, Err: o.Err}
	}
	if at != nil && at.rangeIgnored {
		return adapter.Outcome{Kind: adapter.OutcomeRangeNotSupported, StatusCode: o.StatusCode, FinalURL: o.FinalURL}
	}
	if o.Err != nil {
		return adapter.Outcome{Kind: adapter.OutcomeTransportError, StatusCode: o.StatusCode, Err: o.Err, BytesTransferred: o.BytesTransferred}
	}
	if o.Aborted && o.Err == nil {
		// Aborted by OnWrite without a size-exceeded classification means
		// the write-side error already carries its own reason; treat any
		// other abort as a size mismatch, the only OnWrite-initiated abort
		// this scheduler issues.
		return adapter.Outcome{Kind: adapter.OutcomeSizeMismatch, StatusCode: o.StatusCode, FinalURL: o.FinalURL, BytesTransferred: o.BytesTransferred}
	}
	switch {
	case o.StatusCode == http.StatusUnauthorized || o.StatusCode == http.StatusForbidden:
		return adapter.Outcome{Kind: adapter.OutcomeAuthError, StatusCode: o.StatusCode, FinalURL: o.FinalURL}
	case o.StatusCode == http.StatusTooManyRequests || o.StatusCode >= 500:
		return adapter.Outcome{Kind: adapter.OutcomeServerError, StatusCode: o.StatusCode, FinalURL: o.FinalURL}
	case o.StatusCode >= 400:
		return adapter.Outcome{Kind: adapter.OutcomeClientError, StatusCode: o.StatusCode, FinalURL: o.FinalURL}
	case o.StatusCode == http.StatusOK || o.StatusCode == http.StatusPartialContent:
		return adapter.Outcome{Kind: adapter.OutcomeSuccess, StatusCode: o.StatusCode, FinalURL: o.FinalURL, BytesTransferred: o.BytesTransferred}
	default:
		return adapter.Outcome{Kind: adapter.OutcomeTransportError, StatusCode: o.StatusCode, Err: o.Err}
	}
}

func (s *Scheduler) finish(t *target.Target) {
	s.mu.Lock()
	delete(s.prepared, t)
	s.mu.Unlock()
	if t.Spec.OnEnd != nil {
		var err error
		if t.State == target.Failed {
			err = errors.New(t.FailReason)
		}
		t.Spec.OnEnd(t, err)
	}
}
