package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/mirrorpull/internal/adapter"
	"github.com/tanq16/mirrorpull/internal/adapter/httpmirror"
	"github.com/tanq16/mirrorpull/internal/mirror"
	"github.com/tanq16/mirrorpull/internal/target"
	"github.com/tanq16/mirrorpull/internal/transfer"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func runOne(t *testing.T, spec target.Spec, mirrors []*mirror.Mirror, userAgent string) (*target.Target, error) {
	t.Helper()
	httpClient, err := transfer.NewHTTPClient(transfer.Config{})
	if err != nil {
		t.Fatal(err)
	}
	ad := httpmirror.New(httpClient, userAgent)
	sched := New(map[string]adapter.Adapter{"https": ad}, httpClient, 4)

	var endErr error
	done := make(chan struct{})
	spec.OnEnd = func(tg *target.Target, err error) {
		endErr = err
		close(done)
	}

	tgt := target.New(spec, mirrors)
	sched.Add(tgt)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ok := sched.Run(ctx)
	<-done
	if !ok && endErr == nil {
		endErr = fmt.Errorf("download did not finish successfully")
	}
	return tgt, endErr
}

func TestSingleMirrorHappyPath(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog!!!!")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m := mirror.New("ns", srv.URL, mirror.ProtocolHTTPS, 2)

	tgt, err := runOne(t, target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
		ExpectedSize: int64(len(body)),
		Checksums:    []target.Checksum{{Algorithm: "sha256", HexDigest: sha256Hex(body)}},
	}, []*mirror.Mirror{m}, "test-agent")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if tgt.State != target.Finished {
		t.Fatalf("expected Finished, got %v", tgt.State)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(body) {
		t.Fatalf("destination content mismatch")
	}
}

func TestMirrorFailover(t *testing.T) {
	body := []byte("content served only by the second mirror")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer good.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m1 := mirror.New("ns", bad.URL, mirror.ProtocolHTTPS, 2)
	m2 := mirror.New("ns", good.URL, mirror.ProtocolHTTPS, 2)

	tgt, err := runOne(t, target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
	}, []*mirror.Mirror{m1, m2}, "test-agent")
	if err != nil {
		t.Fatalf("expected success via failover, got %v", err)
	}
	if tgt.State != target.Finished {
		t.Fatalf("expected Finished, got %v", tgt.State)
	}
	// spec.md §4.2: a 5xx/429 records a failure and backs the mirror off,
	// but does not add it to tried_mirrors — a later tick may reuse it.
	if tgt.TriedMirrors[m1] {
		t.Fatal("a 5xx failure must not mark the mirror tried")
	}
	if m1.FailedTransfers == 0 {
		t.Fatal("expected the failing mirror's failure counter to be incremented")
	}
	if !m1.NextAllowedRetry.After(time.Now().Add(-time.Second)) {
		t.Fatal("expected next_allowed_retry to be set for the failing mirror")
	}
}

func TestResumeCoversFullFile(t *testing.T) {
	full := make([]byte, 1000)
	for i := range full {
		full[i] = byte(i % 251)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(full)))
			w.WriteHeader(http.StatusOK)
			w.Write(full)
			return
		}
		w.Header().Set("Content-Range", "bytes 400-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[400:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m := mirror.New("ns", srv.URL, mirror.ProtocolHTTPS, 2)

	spec := target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
		ExpectedSize: 1000, Resume: true,
		Checksums: []target.Checksum{{Algorithm: "sha256", HexDigest: sha256Hex(full)}},
	}
	// Pre-seed a partial file with the correct first 400 bytes.
	tmp := target.New(spec, []*mirror.Mirror{m})
	if err := os.WriteFile(tmp.TempFile, full[:400], 0o644); err != nil {
		t.Fatal(err)
	}

	tgt, err := runOne(t, spec, []*mirror.Mirror{m}, "test-agent")
	if err != nil {
		t.Fatalf("expected resumed download to finish, got %v", err)
	}
	if tgt.State != target.Finished {
		t.Fatalf("expected Finished, got %v", tgt.State)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1000 {
		t.Fatalf("expected 1000 assembled bytes, got %d", len(got))
	}
}

func TestResumeRetryRebuildsDigestExactlyOnce(t *testing.T) {
	full := make([]byte, 1000)
	for i := range full {
		full[i] = byte(i % 251)
	}
	var rangedAttempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(full)))
			w.WriteHeader(http.StatusOK)
			w.Write(full)
			return
		}
		// The first ranged attempt fails with a 5xx, which retries the same
		// mirror and the same ranged attempt without ever setting
		// range_fail — the case that exposed the digest double-seed bug.
		if rangedAttempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Range", "bytes 400-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(full[400:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m := mirror.New("ns", srv.URL, mirror.ProtocolHTTPS, 2)

	spec := target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
		ExpectedSize: 1000, Resume: true,
		Checksums: []target.Checksum{{Algorithm: "sha256", HexDigest: sha256Hex(full)}},
	}
	tmp := target.New(spec, []*mirror.Mirror{m})
	if err := os.WriteFile(tmp.TempFile, full[:400], 0o644); err != nil {
		t.Fatal(err)
	}

	tgt, err := runOne(t, spec, []*mirror.Mirror{m}, "test-agent")
	if err != nil {
		t.Fatalf("expected the retried resume to still pass checksum verification, got %v", err)
	}
	if tgt.State != target.Finished {
		t.Fatalf("expected Finished, got %v", tgt.State)
	}
	if rangedAttempts.Load() < 2 {
		t.Fatalf("expected the ranged request to be retried at least once, got %d attempts", rangedAttempts.Load())
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(full) {
		t.Fatal("destination content mismatch: a stale digest from the failed attempt would have failed verification instead")
	}
}

func TestRangeRefusalFallsBackToFullTransfer(t *testing.T) {
	full := []byte("0123456789")
	var sawRanged atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRanged.Store(true)
		}
		// Server always ignores Range and replies with the full body.
		w.Header().Set("Content-Length", strconv.Itoa(len(full)))
		w.WriteHeader(http.StatusOK)
		w.Write(full)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m := mirror.New("ns", srv.URL, mirror.ProtocolHTTPS, 2)

	spec := target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest, Resume: true,
	}
	tmp := target.New(spec, []*mirror.Mirror{m})
	if err := os.WriteFile(tmp.TempFile, []byte("0123"), 0o644); err != nil {
		t.Fatal(err)
	}

	tgt, err := runOne(t, spec, []*mirror.Mirror{m}, "test-agent")
	if err != nil {
		t.Fatalf("expected the fallback full transfer to succeed, got %v", err)
	}
	if !sawRanged.Load() {
		t.Fatal("expected at least one ranged request attempt")
	}
	if !tgt.RangeFail {
		t.Fatal("expected range_fail to be sticky-set")
	}
	if tgt.TriedMirrors[m] {
		t.Fatal("a range refusal must not mark the mirror tried")
	}
}

func TestChecksumMismatchTriggersFailover(t *testing.T) {
	correct := []byte("the correct bytes for this target")
	wrong := []byte("totally different bytes, other length!!")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(wrong)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(correct)
	}))
	defer good.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m1 := mirror.New("ns", bad.URL, mirror.ProtocolHTTPS, 2)
	m2 := mirror.New("ns", good.URL, mirror.ProtocolHTTPS, 2)

	tgt, err := runOne(t, target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
		Checksums: []target.Checksum{{Algorithm: "sha256", HexDigest: sha256Hex(correct)}},
	}, []*mirror.Mirror{m1, m2}, "test-agent")
	if err != nil {
		t.Fatalf("expected eventual success via the second mirror, got %v", err)
	}
	if tgt.State != target.Finished {
		t.Fatalf("expected Finished, got %v", tgt.State)
	}
	if !tgt.TriedMirrors[m1] {
		t.Fatal("expected the mismatching mirror to be marked tried")
	}
}

func TestTransportErrorFailsOverAfterRetryCap(t *testing.T) {
	// A closed listener makes every connection attempt fail with a
	// transport error (connection refused), exercising the per-mirror
	// retry cap in onTransportError rather than the 5xx path.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	body := []byte("served by the only mirror that actually answers")
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer good.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	m1 := mirror.New("ns", dead.URL, mirror.ProtocolHTTPS, 2)
	m2 := mirror.New("ns", good.URL, mirror.ProtocolHTTPS, 2)

	tgt, err := runOne(t, target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
	}, []*mirror.Mirror{m1, m2}, "test-agent")
	if err != nil {
		t.Fatalf("expected eventual success via the reachable mirror, got %v", err)
	}
	if tgt.State != target.Finished {
		t.Fatalf("expected Finished, got %v", tgt.State)
	}
	if !tgt.TriedMirrors[m1] {
		t.Fatal("expected the unreachable mirror to be marked tried once its retry cap was hit")
	}
	if m1.FailedTransfers == 0 {
		t.Fatal("expected the unreachable mirror's failure counter to be incremented")
	}
}

func TestAllMirrorsExhausted(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	mirrors := []*mirror.Mirror{
		mirror.New("ns", notFound.URL, mirror.ProtocolHTTPS, 2),
		mirror.New("ns", notFound.URL, mirror.ProtocolHTTPS, 2),
		mirror.New("ns", notFound.URL, mirror.ProtocolHTTPS, 2),
	}

	tgt, err := runOne(t, target.Spec{
		Path: "/file", MirrorNamespace: "ns", Destination: dest,
	}, mirrors, "test-agent")
	if err == nil {
		t.Fatal("expected failure when every mirror 404s")
	}
	if tgt.State != target.Failed || tgt.FailReason != "mirrors_exhausted" {
		t.Fatalf("expected Failed/mirrors_exhausted, got state=%v reason=%q", tgt.State, tgt.FailReason)
	}
	if _, statErr := os.Stat(dest); statErr == nil {
		t.Fatal("expected no file at destination after exhaustion")
	}
}
