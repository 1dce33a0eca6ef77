package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPerformDeliversCompletionEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	httpClient, err := NewHTTPClient(Config{})
	if err != nil {
		t.Fatal(err)
	}
	c := New(httpClient)

	var written []byte
	h := c.Add(context.Background(), "tag", Request{Method: http.MethodGet, URL: srv.URL}, Callbacks{
		OnWrite: func(chunk []byte) Action {
			written = append(written, chunk...)
			return Continue
		},
	})

	ev, ok := c.Perform(context.Background())
	if !ok {
		t.Fatal("expected Perform to deliver a completion event")
	}
	if ev.Handle != h {
		t.Fatal("expected the completion event to reference the handle we added")
	}
	if ev.Outcome.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", ev.Outcome.StatusCode)
	}
	if string(written) != "payload" {
		t.Fatalf("expected OnWrite to observe the full body, got %q", written)
	}
}

func TestOnHeaderAbortStopsBeforeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("should not be read"))
	}))
	defer srv.Close()

	httpClient, err := NewHTTPClient(Config{})
	if err != nil {
		t.Fatal(err)
	}
	c := New(httpClient)

	wroteAny := false
	c.Add(context.Background(), "tag", Request{Method: http.MethodGet, URL: srv.URL}, Callbacks{
		OnHeader: func(resp *http.Response) Action { return Abort },
		OnWrite: func(chunk []byte) Action {
			wroteAny = true
			return Continue
		},
	})

	ev, ok := c.Perform(context.Background())
	if !ok {
		t.Fatal("expected a completion event even when aborted from OnHeader")
	}
	if !ev.Outcome.Aborted {
		t.Fatal("expected Aborted to be true")
	}
	if wroteAny {
		t.Fatal("OnWrite must not run once OnHeader has aborted")
	}
}

func TestRemoveAbortsInFlightHandle(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	httpClient, err := NewHTTPClient(Config{})
	if err != nil {
		t.Fatal(err)
	}
	c := New(httpClient)

	h := c.Add(context.Background(), "tag", Request{Method: http.MethodGet, URL: srv.URL}, Callbacks{})
	time.Sleep(20 * time.Millisecond)
	c.Remove(h)

	ev, ok := c.Perform(context.Background())
	if !ok {
		t.Fatal("expected a completion event after Remove")
	}
	if !ev.Outcome.Aborted {
		t.Fatal("expected the handle to report Aborted after Remove")
	}
}
