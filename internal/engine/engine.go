// Package engine exposes the caller surface spec.md §6 fixes:
// Downloader.add / set_mirror_map / download / cancel. It is the thin
// composition root that wires mirror.Map, the protocol adapters, and
// the Scheduler together; callers (the CLI in cmd/, or any other
// embedder) only ever see this package.
package engine

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tanq16/mirrorpull/internal/adapter"
	"github.com/tanq16/mirrorpull/internal/mirror"
	"github.com/tanq16/mirrorpull/internal/scheduler"
	"github.com/tanq16/mirrorpull/internal/target"
	"github.com/tanq16/mirrorpull/internal/transfer"
)

// Downloader is the engine's public handle, matching spec.md §6.
type Downloader struct {
	mirrors        mirror.Map
	adapters       map[string]adapter.Adapter
	httpClient     *http.Client
	concurrencyCap int

	sched *scheduler.Scheduler
	specs []target.Spec
}

// Option configures a Downloader at construction time.
type Option func(*Downloader)

// WithConcurrencyCap sets the total active-transfer budget (spec.md
// §4.4's concurrency_cap).
func WithConcurrencyCap(n int) Option {
	return func(d *Downloader) { d.concurrencyCap = n }
}

// WithAdapter registers the Adapter that serves a mirror.Protocol.
func WithAdapter(protocol mirror.Protocol, a adapter.Adapter) Option {
	return func(d *Downloader) { d.adapters[string(protocol)] = a }
}

// WithHTTPClient overrides the shared *http.Client the Transfer Client
// issues every request through. When unset, New builds one via
// transfer.NewHTTPClient with defaults.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.httpClient = c }
}

// New builds a Downloader ready to accept targets.
func New(opts ...Option) (*Downloader, error) {
	d := &Downloader{
		adapters:       make(map[string]adapter.Adapter),
		concurrencyCap: 8,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		c, err := transfer.NewHTTPClient(transfer.Config{})
		if err != nil {
			return nil, fmt.Errorf("building default transfer client: %w", err)
		}
		d.httpClient = c
	}
	return d, nil
}

// SetMirrorMap implements Downloader.set_mirror_map (spec.md §6).
func (d *Downloader) SetMirrorMap(m mirror.Map) {
	d.mirrors = m
}

// Add implements Downloader.add (spec.md §6): register a DownloadTarget.
// It returns an error if spec.MirrorNamespace has no entry in the
// mirror map set via SetMirrorMap.
func (d *Downloader) Add(spec target.Spec) error {
	if mirrors, ok := d.mirrors[spec.MirrorNamespace]; !ok || len(mirrors) == 0 {
		return fmt.Errorf("no mirrors registered for namespace %q", spec.MirrorNamespace)
	}
	d.specs = append(d.specs, spec)
	return nil
}

// Download implements Downloader.download (spec.md §6): run every added
// Target to completion and report whether all of them finished.
func (d *Downloader) Download(ctx context.Context) bool {
	d.sched = scheduler.New(d.adapters, d.httpClient, d.concurrencyCap)
	for _, spec := range d.specs {
		t := target.New(spec, d.mirrors[spec.MirrorNamespace])
		d.sched.Add(t)
	}
	return d.sched.Run(ctx)
}

// Cancel implements Downloader.cancel (spec.md §6).
func (d *Downloader) Cancel() {
	if d.sched != nil {
		d.sched.Cancel()
	}
}
