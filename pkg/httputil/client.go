// Package httputil provides shared HTTP client construction with connection
// pooling tuned for short-lived CLI processes.
package httputil

import (
	"net/http"
	"sync"
	"time"
)

var (
	defaultClient     *http.Client
	defaultClientOnce sync.Once
)

// DefaultClient returns a shared HTTP client with pooled connections.
// Safe for concurrent use.
func DefaultClient() *http.Client {
	defaultClientOnce.Do(func() {
		defaultClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: newTransport(),
		}
	})
	return defaultClient
}

// NewClientWithTimeout creates an HTTP client with the given request timeout.
// The client shares the pooled transport of DefaultClient.
func NewClientWithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: DefaultClient().Transport,
	}
}

func newTransport() *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	// A hook run makes a handful of calls to at most three endpoints;
	// keep the pool small but reuse connections across calls.
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 4
	transport.IdleConnTimeout = 90 * time.Second
	transport.ForceAttemptHTTP2 = true
	transport.ExpectContinueTimeout = 1 * time.Second

	return transport
}
