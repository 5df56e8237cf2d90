package p1status

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/jpalmerr/p1status/internal/poller"
)

// Fetcher performs one fetch cycle against a device.
//
// Implementations return either a complete [Reading] or an error, never a
// partial Reading. The [Coordinator] calls Fetch from a single goroutine at
// a time.
type Fetcher interface {
	Fetch(ctx context.Context) (Reading, error)
}

// FetcherFunc adapts an ordinary function to the [Fetcher] interface.
type FetcherFunc func(ctx context.Context) (Reading, error)

// Fetch calls f(ctx).
func (f FetcherFunc) Fetch(ctx context.Context) (Reading, error) {
	return f(ctx)
}

// HTTPFetcher fetches a [Reading] from a device over HTTP.
//
// Fetch fails with:
//   - [*NetworkError] when the device cannot be reached
//   - [*TimeoutError] when the request exceeds [Endpoint.Timeout]
//   - [*ProtocolError] for any HTTP status other than 200
//   - [*DecodeError] when the body is invalid for [Endpoint.DecodeMode]
type HTTPFetcher struct {
	endpoint Endpoint
	client   *poller.Client
}

// NewHTTPFetcher creates an [HTTPFetcher] for ep with its own connection pool.
func NewHTTPFetcher(ep Endpoint) *HTTPFetcher {
	return &HTTPFetcher{endpoint: ep, client: poller.NewClient()}
}

// NewHTTPFetcherWithClient creates an [HTTPFetcher] that sends requests with
// hc. The endpoint timeout still applies per request.
func NewHTTPFetcherWithClient(ep Endpoint, hc *http.Client) *HTTPFetcher {
	return &HTTPFetcher{endpoint: ep, client: poller.NewClientWithHTTP(hc)}
}

// Endpoint returns the endpoint this fetcher polls.
func (f *HTTPFetcher) Endpoint() Endpoint {
	return f.endpoint
}

// Fetch performs one GET against the endpoint and decodes the body.
func (f *HTTPFetcher) Fetch(ctx context.Context) (Reading, error) {
	url := f.endpoint.URL()

	resp := f.client.Get(ctx, url, f.endpoint.Timeout())
	if resp.Error != nil && !errors.Is(resp.Error, poller.ErrBodyTooLarge) {
		return Reading{}, classifyTransportError(url, resp.Error)
	}

	if resp.StatusCode != http.StatusOK {
		return Reading{}, &ProtocolError{URL: url, StatusCode: resp.StatusCode}
	}

	if resp.Error != nil {
		return Reading{}, &DecodeError{URL: url, Mode: f.endpoint.DecodeMode(), Err: resp.Error}
	}

	reading, err := Decode(f.endpoint.DecodeMode(), resp.Body)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.URL = url
		}
		return Reading{}, err
	}

	return reading, nil
}

// Close releases idle connections held by the fetcher.
func (f *HTTPFetcher) Close() {
	f.client.Close()
}

// classifyTransportError maps a transport failure onto the error taxonomy.
func classifyTransportError(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: url, Err: err}
	}
	return &NetworkError{URL: url, Err: err}
}
