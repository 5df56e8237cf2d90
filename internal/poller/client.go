package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBodySize = 1 << 20 // 1MB

// ErrBodyTooLarge is set as [Response.Error] when the body exceeds 1MB.
// The body is dropped rather than truncated.
var ErrBodyTooLarge = errors.New("response body exceeds 1MB")

// a coordinator talks to exactly one device, so the pool stays small
const (
	defaultMaxIdleConnsPerHost = 2
	defaultMaxConnsPerHost     = 2
	defaultIdleConnTimeout     = 90 * time.Second
)

// Response holds the result of an HTTP request made by [Client].
//
// Response captures the body (at most 1MB), status code, latency, and any
// transport error that occurred.
type Response struct {
	// Body contains the HTTP response body. It is nil when the body was
	// larger than 1MB.
	Body []byte

	// StatusCode is the HTTP status code (e.g., 200, 404, 500).
	// Zero if the request failed before receiving a response.
	StatusCode int

	// Latency is the total time taken for the request.
	Latency time.Duration

	// Error contains any transport error that occurred during the request:
	// dial, DNS, timeout, body read or [ErrBodyTooLarge]. A non-200 status is
	// not an error here.
	Error error
}

// Client is an HTTP client wrapper for polling embedded devices.
//
// Client uses per-request timeouts via context rather than a global timeout,
// so the deadline covers connect, headers and body read together.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new polling [Client].
//
// Timeouts are applied per-request via [Client.Get], not as a global client
// timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			// no default timeout - we use per-request timeouts via context
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				MaxConnsPerHost:     defaultMaxConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		},
	}
}

// NewClientWithHTTP wraps an existing *http.Client. A nil client falls back to
// [NewClient].
func NewClientWithHTTP(hc *http.Client) *Client {
	if hc == nil {
		return NewClient()
	}
	return &Client{httpClient: hc}
}

// Get performs a GET request against url bounded by timeout.
//
// Get always returns a Response; errors are captured in the Error field
// rather than returned separately. Callers classify them.
func (c *Client) Get(ctx context.Context, url string, timeout time.Duration) Response {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("failed to create request: %w", err),
		}
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{
			Latency: time.Since(start),
			Error:   fmt.Errorf("request failed: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	// read one byte past the limit to tell a full body from an oversized one
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		return Response{
			StatusCode: resp.StatusCode,
			Latency:    time.Since(start),
			Error:      fmt.Errorf("failed to read response body: %w", err),
		}
	}
	if len(body) > maxResponseBodySize {
		return Response{
			StatusCode: resp.StatusCode,
			Latency:    time.Since(start),
			Error:      ErrBodyTooLarge,
		}
	}

	return Response{
		Body:       body,
		StatusCode: resp.StatusCode,
		Latency:    time.Since(start),
	}
}

// Close closes all idle connections in the client's connection pool.
//
// Safe to call multiple times. After Close, the client remains usable but
// new connections will be established as needed.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}
