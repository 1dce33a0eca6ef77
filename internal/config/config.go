// Package config loads the two YAML documents the CLI front end needs:
// a mirror map (namespace -> mirror list) and a target manifest (the
// batch of DownloadTargets to run). Parsing follows the teacher's
// (Tanq16-danzo) cmd/batch.go shape — unmarshal into a plain struct,
// wrap and return errors instead of exiting the process — using
// github.com/goccy/go-yaml, the library that file actually imports.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/tanq16/mirrorpull/internal/mirror"
	"github.com/tanq16/mirrorpull/internal/target"
)

// MirrorSpec is one entry in a mirror-map YAML document.
type MirrorSpec struct {
	BaseURL         string `yaml:"base_url"`
	Protocol        string `yaml:"protocol"`
	AllowedParallel int    `yaml:"allowed_parallel,omitempty"`
}

// MirrorMapDocument is the on-disk shape of a mirror map: namespace to
// ordered mirror list.
type MirrorMapDocument map[string][]MirrorSpec

// LoadMirrorMap reads and parses a mirror-map YAML file into a live
// mirror.Map of *mirror.Mirror values ready to hand to
// engine.Downloader.SetMirrorMap.
func LoadMirrorMap(path string) (mirror.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mirror map %s: %w", path, err)
	}
	var doc MirrorMapDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing mirror map %s: %w", path, err)
	}

	out := make(mirror.Map, len(doc))
	for namespace, specs := range doc {
		for _, spec := range specs {
			if spec.BaseURL == "" {
				return nil, fmt.Errorf("mirror map %s: namespace %q has an entry with no base_url", path, namespace)
			}
			protocol := mirror.Protocol(spec.Protocol)
			if protocol == "" {
				protocol = mirror.ProtocolHTTPS
			}
			switch protocol {
			case mirror.ProtocolHTTPS, mirror.ProtocolObjectStore, mirror.ProtocolRegistry:
			default:
				return nil, fmt.Errorf("mirror map %s: namespace %q has an entry with unknown protocol %q", path, namespace, spec.Protocol)
			}
			out[namespace] = append(out[namespace], mirror.New(namespace, spec.BaseURL, protocol, spec.AllowedParallel))
		}
	}
	return out, nil
}

// ChecksumSpec is one (algorithm, digest) pair in a manifest entry.
type ChecksumSpec struct {
	Algorithm string `yaml:"algorithm"`
	Digest    string `yaml:"digest"`
}

// TargetSpec is one entry in a target-manifest YAML document.
type TargetSpec struct {
	Path         string         `yaml:"path"`
	Namespace    string         `yaml:"namespace"`
	Destination  string         `yaml:"destination"`
	ExpectedSize int64          `yaml:"expected_size,omitempty"`
	Checksums    []ChecksumSpec `yaml:"checksums,omitempty"`
	Resume       bool           `yaml:"resume,omitempty"`
	Label        string         `yaml:"label,omitempty"`
}

// ManifestDocument is the on-disk shape of a target manifest.
type ManifestDocument struct {
	Targets []TargetSpec `yaml:"targets"`
}

// LoadManifest reads and parses a target-manifest YAML file into
// target.Spec values, leaving OnProgress/OnEnd for the caller to attach.
func LoadManifest(path string) ([]target.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var doc ManifestDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	specs := make([]target.Spec, 0, len(doc.Targets))
	for _, ts := range doc.Targets {
		if ts.Path == "" || ts.Namespace == "" || ts.Destination == "" {
			return nil, fmt.Errorf("manifest %s: entry missing path/namespace/destination", path)
		}
		checksums := make([]target.Checksum, len(ts.Checksums))
		for i, c := range ts.Checksums {
			checksums[i] = target.Checksum{Algorithm: c.Algorithm, HexDigest: c.Digest}
		}
		specs = append(specs, target.Spec{
			Path:            ts.Path,
			MirrorNamespace: ts.Namespace,
			Destination:     ts.Destination,
			ExpectedSize:    ts.ExpectedSize,
			Checksums:       checksums,
			Resume:          ts.Resume,
			Label:           ts.Label,
		})
	}
	return specs, nil
}
