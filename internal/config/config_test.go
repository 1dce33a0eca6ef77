package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/mirrorpull/internal/mirror"
)

func TestLoadMirrorMap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirrors.yaml")
	doc := `
conda-forge:
  - base_url: https://conda.anaconda.org/conda-forge
    protocol: https
    allowed_parallel: 4
  - base_url: https://mirror.example.org/conda-forge
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMirrorMap(path)
	if err != nil {
		t.Fatal(err)
	}
	mirrors, ok := m["conda-forge"]
	if !ok || len(mirrors) != 2 {
		t.Fatalf("expected 2 mirrors under conda-forge, got %v", mirrors)
	}
	if mirrors[0].AllowedParallel != 4 {
		t.Fatalf("expected first mirror's allowed_parallel to be 4, got %d", mirrors[0].AllowedParallel)
	}
	if mirrors[1].Protocol != mirror.ProtocolHTTPS {
		t.Fatalf("expected protocol to default to https, got %q", mirrors[1].Protocol)
	}
}

func TestLoadMirrorMapRejectsMissingBaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirrors.yaml")
	doc := "ns:\n  - protocol: https\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMirrorMap(path); err == nil {
		t.Fatal("expected an error for a mirror entry with no base_url")
	}
}

func TestLoadMirrorMapRejectsUnknownProtocol(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirrors.yaml")
	doc := "ns:\n  - base_url: https://example.org\n    protocol: ftp\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMirrorMap(path); err == nil {
		t.Fatal("expected an error for a mirror entry with an unsupported protocol")
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	doc := `
targets:
  - path: /pkgs/foo-1.0.tar.bz2
    namespace: conda-forge
    destination: /tmp/foo-1.0.tar.bz2
    expected_size: 2048
    resume: true
    checksums:
      - algorithm: sha256
        digest: abc123
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := LoadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected 1 target, got %d", len(specs))
	}
	s := specs[0]
	if s.ExpectedSize != 2048 || !s.Resume || len(s.Checksums) != 1 {
		t.Fatalf("unexpected parsed spec: %+v", s)
	}
}

func TestLoadManifestRejectsIncompleteEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yaml")
	doc := "targets:\n  - path: /x\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected an error for a target missing namespace/destination")
	}
}
