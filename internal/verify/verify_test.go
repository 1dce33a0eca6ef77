package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifyMatchesDigest(t *testing.T) {
	data := []byte("hello world")
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])

	p := NewPipeline([]string{"sha256"})
	p.Write(data)

	mismatch, ok := p.Verify(map[string]string{"sha256": want})
	if !ok {
		t.Fatalf("expected digest to match, mismatch on %q", mismatch)
	}
}

func TestVerifyDetectsMismatch(t *testing.T) {
	p := NewPipeline([]string{"sha256"})
	p.Write([]byte("hello world"))

	_, ok := p.Verify(map[string]string{"sha256": "0000000000000000000000000000000000000000000000000000000000000"})
	if ok {
		t.Fatal("expected a mismatch to be detected")
	}
}

func TestSeedFromFileCoversResumedBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial")
	prefix := []byte("hello ")
	suffix := []byte("world")
	if err := os.WriteFile(path, prefix, 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline([]string{"sha256"})
	if err := p.SeedFromFile(path, int64(len(prefix))); err != nil {
		t.Fatal(err)
	}
	p.Write(suffix)

	full := sha256.Sum256(append(append([]byte{}, prefix...), suffix...))
	want := hex.EncodeToString(full[:])

	if _, ok := p.Verify(map[string]string{"sha256": want}); !ok {
		t.Fatal("expected digest seeded from partial file plus resumed bytes to match the full-file digest")
	}
}

func TestResetStartsFreshContexts(t *testing.T) {
	p := NewPipeline([]string{"sha256"})
	p.Write([]byte("garbage from a previous attempt"))
	p.Reset([]string{"sha256"})
	p.Write([]byte("hello world"))

	sum := sha256.Sum256([]byte("hello world"))
	want := hex.EncodeToString(sum[:])
	if _, ok := p.Verify(map[string]string{"sha256": want}); !ok {
		t.Fatal("expected Reset to discard prior progress")
	}
}
