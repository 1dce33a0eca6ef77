// Package transfer is the Transfer Client (spec.md §4.3): a multiplexed
// HTTP engine performing up to M concurrent byte streams with
// header/write/progress callbacks, and an abort path any callback can
// trigger. The teacher's (Tanq16-danzo) internal/utils.DanzoHTTPClient
// wraps one *http.Client with timeouts, proxy, and header injection; this
// keeps that shape for the underlying client and adds the handle
// multiplexing spec.md asks for on top, expressed with goroutines and
// channels rather than a callback-driven multi-handle loop.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tanq16/mirrorpull/internal/output"
)

var log = output.GetLogger("transfer")

// Config mirrors the teacher's HTTPClientConfig fields that still apply
// once protocol-specific job types are gone.
type Config struct {
	Timeout       time.Duration
	KeepAlive     time.Duration
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
}

// NewHTTPClient builds the shared *http.Client every handle's request
// is issued through, grounded in the teacher's NewDanzoHTTPClient.
func NewHTTPClient(cfg Config) (*http.Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 0 // streaming downloads must not hit a fixed deadline
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	transport := &http.Transport{
		IdleConnTimeout:     cfg.KeepAlive,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		if cfg.ProxyUsername != "" {
			if cfg.ProxyPassword != "" {
				proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
			} else {
				proxyURL.User = url.User(cfg.ProxyUsername)
			}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: transport}, nil
}

// Request is the concrete request one Handle performs.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
}

// Callbacks matches spec.md §4.3's on_header/on_write/on_progress
// contract. OnHeader and OnWrite run on the handle's own goroutine, not
// the Scheduler's; they must not block. Returning Abort from either one
// terminates that handle's transfer at the next read boundary.
type Callbacks struct {
	OnHeader   func(resp *http.Response) Action
	OnWrite    func(chunk []byte) Action
	OnProgress func(totalExpected, transferred int64)
}

// Action is the sentinel a callback returns to request abort, matching
// spec.md §4.3's "sentinel that causes the underlying transfer to
// terminate at the next opportunity".
type Action int

const (
	Continue Action = iota
	Abort
)

// Outcome is what a finished Handle reports through CompletionEvent.
type Outcome struct {
	StatusCode       int
	FinalURL         string
	BytesTransferred int64
	Err              error
	Aborted          bool
}

// CompletionEvent pairs a finished Handle with its Outcome, the return
// value of Perform (spec.md §4.3).
type CompletionEvent struct {
	Handle  *Handle
	Outcome Outcome
}

// Handle is one enqueued transfer; its Tag is opaque to the Client and
// is how the Scheduler correlates a CompletionEvent back to a Target.
type Handle struct {
	Tag       any
	req       Request
	callbacks Callbacks
	cancel    context.CancelFunc
}

// Client multiplexes the handles added to it, each driven on its own
// goroutine (spec.md §4.3). It has no concurrency limit of its own.
type Client struct {
	http *http.Client

	mu      sync.Mutex
	active  map[*Handle]struct{}
	results chan CompletionEvent
}

// New builds a Client bound to httpClient. The Client never refuses an
// Add; the number of simultaneous transfers is bounded by the
// Scheduler's concurrency cap (spec.md §4.4), not here.
func New(httpClient *http.Client) *Client {
	return &Client{
		http:    httpClient,
		active:  make(map[*Handle]struct{}),
		results: make(chan CompletionEvent, 64),
	}
}

// Add enqueues req and starts driving it immediately on its own
// goroutine, matching spec.md §4.3's add(request, callbacks) -> handle.
// The underlying I/O is non-blocking from the Scheduler's perspective:
// Add returns before the transfer completes.
func (c *Client) Add(ctx context.Context, tag any, req Request, callbacks Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{Tag: tag, req: req, callbacks: callbacks, cancel: cancel}

	c.mu.Lock()
	c.active[h] = struct{}{}
	c.mu.Unlock()

	go c.drive(ctx, h)
	return h
}

// Remove detaches a handle, aborting its transfer if still active. May
// be called from any goroutine, matching spec.md §4.3's "may be called
// from any callback to abort mid-stream".
func (c *Client) Remove(h *Handle) {
	h.cancel()
}

// Perform blocks until at least one handle completes and returns its
// event, matching spec.md §4.3's perform() -> CompletionEvent. The
// Scheduler's main loop is the sole caller; this is the one blocking
// call spec.md §5 names as the core's only suspension point.
func (c *Client) Perform(ctx context.Context) (CompletionEvent, bool) {
	select {
	case ev := <-c.results:
		return ev, true
	case <-ctx.Done():
		return CompletionEvent{}, false
	}
}

// ActiveCount reports how many handles are currently in flight, used by
// the Scheduler to decide whether Drive has anything to wait on.
func (c *Client) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// AbortAll cancels every active handle, used by the Scheduler's Cancel
// (spec.md §4.4's cancellation semantics).
func (c *Client) AbortAll() {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.active))
	for h := range c.active {
		handles = append(handles, h)
	}
	c.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

func (c *Client) drive(ctx context.Context, h *Handle) {
	defer func() {
		c.mu.Lock()
		delete(c.active, h)
		c.mu.Unlock()
	}()

	outcome := c.performOne(ctx, h)
	c.results <- CompletionEvent{Handle: h, Outcome: outcome}
}

func (c *Client) performOne(ctx context.Context, h *Handle) Outcome {
	req, err := http.NewRequestWithContext(ctx, h.req.Method, h.req.URL, nil)
	if err != nil {
		return Outcome{Err: fmt.Errorf("building request: %w", err)}
	}
	for k, v := range h.req.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Aborted: true, Err: ctx.Err()}
		}
		return Outcome{Err: err}
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	if h.callbacks.OnHeader != nil {
		if act := h.callbacks.OnHeader(resp); act == Abort {
			return Outcome{StatusCode: resp.StatusCode, FinalURL: finalURL, Aborted: true}
		}
	}

	var transferred int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if h.callbacks.OnWrite != nil {
				if act := h.callbacks.OnWrite(buf[:n]); act == Abort {
					return Outcome{StatusCode: resp.StatusCode, FinalURL: finalURL, BytesTransferred: transferred, Aborted: true}
				}
			}
			transferred += int64(n)
			if h.callbacks.OnProgress != nil {
				h.callbacks.OnProgress(resp.ContentLength, transferred)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return Outcome{StatusCode: resp.StatusCode, FinalURL: finalURL, BytesTransferred: transferred, Aborted: true, Err: ctx.Err()}
			}
			return Outcome{StatusCode: resp.StatusCode, FinalURL: finalURL, BytesTransferred: transferred, Err: readErr}
		}
	}
	return Outcome{StatusCode: resp.StatusCode, FinalURL: finalURL, BytesTransferred: transferred}
}
