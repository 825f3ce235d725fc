package providers

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newFastRetryClient() *RetryableHTTPClient {
	return &RetryableHTTPClient{
		client: &http.Client{Timeout: 5 * time.Second},
		retryConfig: HTTPRetryConfig{
			MaxRetries:      2,
			InitialDelay:    time.Millisecond,
			MaxDelay:        10 * time.Millisecond,
			BackoffFactor:   1,
			RetryableErrors: []int{429, 500, 502, 503, 504},
		},
		rateLimiter: NewRateLimiter(10000),
	}
}

func TestDoResendsBodyOnRetry(t *testing.T) {
	const payload = `{"label":"web-1"}`
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := newFastRetryClient().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(bodies))
	}
	for i, b := range bodies {
		if b != payload {
			t.Fatalf("attempt %d body = %q, want %q", i+1, b, payload)
		}
	}
}

func TestDoBuffersBodyWithoutGetBody(t *testing.T) {
	const payload = "plain stream"
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	// A bare ReadCloser has no GetBody; the client must buffer it.
	req.Body = io.NopCloser(strings.NewReader(payload))

	resp, err := newFastRetryClient().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 || bodies[1] != payload {
		t.Fatalf("retried body not resent, got %v", bodies)
	}
}
