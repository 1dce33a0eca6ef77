// Package httpmirror is the plain-HTTPS Mirror Adapter: no out-of-band
// preparation, one GET (optionally ranged) per attempt. It is the
// teacher's (Tanq16-danzo) internal/downloaders/http.initial.go
// ValidateJob/BuildJob/Download lifecycle, narrowed down to exactly the
// three-operation Adapter contract the core expects.
package httpmirror

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tanq16/mirrorpull/internal/adapter"
	"github.com/tanq16/mirrorpull/internal/output"
)

var log = output.GetLogger("adapter/http")

type Adapter struct {
	client    *http.Client
	UserAgent string
}

func New(client *http.Client, userAgent string) *Adapter {
	if userAgent == "" {
		userAgent = "mirrorpull/1.0"
	}
	return &Adapter{client: client, UserAgent: userAgent}
}

func (a *Adapter) Prepare(_ context.Context, baseURL string, info adapter.TargetInfo) (*adapter.Request, error) {
	req := &adapter.Request{
		Method: http.MethodGet,
		URL:    joinURL(baseURL, info.Path),
		Headers: map[string]string{
			"User-Agent": a.UserAgent,
			"Connection": "keep-alive",
		},
	}
	if info.ResumeOffset > 0 {
		req.Headers["Range"] = fmt.Sprintf("bytes=%d-", info.ResumeOffset)
	}
	return req, nil
}

// NeedsPreparation is always false: a plain HTTPS GET needs no
// credential or signature that could go stale between attempts.
func (a *Adapter) NeedsPreparation(adapter.TargetInfo) bool { return false }

func (a *Adapter) OnTransferComplete(_ context.Context, info adapter.TargetInfo, outcome adapter.Outcome) {
	log.Debug().
		Str("path", info.Path).
		Int("status", outcome.StatusCode).
		Int("kind", int(outcome.Kind)).
		Msg("transfer complete")
}

// Stat issues a HEAD request to learn Content-Length cheaply, mirroring
// the teacher's getFileInfo helper.
func (a *Adapter) Stat(ctx context.Context, baseURL string, info adapter.TargetInfo) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, joinURL(baseURL, info.Path), nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("User-Agent", a.UserAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		return 0, false
	}
	return size, true
}

func joinURL(baseURL, path string) string {
	if len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return baseURL + "/" + path
}
