package p1status

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPort is the port served by the JSON firmware variant.
	DefaultPort = 8989

	// DefaultTimeout bounds a whole request, connect and body read included.
	DefaultTimeout = 10 * time.Second

	defaultScheme = "http"
)

// Endpoint describes where and how to fetch a device's status.
//
// Endpoint is immutable after creation via [NewEndpoint]. All fields are
// private with getter methods, so an Endpoint can be shared freely between
// goroutines.
//
// Endpoints are configured using the functional options pattern with
// [EndpointOption] functions such as [WithPort], [WithScheme],
// [WithTimeout], [WithDecodeMode] and [WithPath].
type Endpoint struct {
	host    string
	port    int
	scheme  string
	path    string
	timeout time.Duration
	mode    DecodeMode
}

// Host returns the device host name or IP address.
func (e Endpoint) Host() string {
	return e.host
}

// Port returns the device TCP port. Defaults to 8989.
func (e Endpoint) Port() int {
	return e.port
}

// Scheme returns "http" or "https". Defaults to "http".
func (e Endpoint) Scheme() string {
	return e.scheme
}

// Path returns the request path. Defaults to "/status" in JSON mode and
// "/" in text mode unless set via [WithPath].
func (e Endpoint) Path() string {
	return e.path
}

// Timeout returns the request timeout. Defaults to 10 seconds.
func (e Endpoint) Timeout() time.Duration {
	return e.timeout
}

// DecodeMode returns how response bodies are decoded. Defaults to [DecodeJSON].
func (e Endpoint) DecodeMode() DecodeMode {
	return e.mode
}

// URL returns the full request URL, e.g. "http://192.168.1.100:8989/status".
func (e Endpoint) URL() string {
	u := url.URL{
		Scheme: e.scheme,
		Host:   net.JoinHostPort(e.host, strconv.Itoa(e.port)),
		Path:   e.path,
	}
	return u.String()
}

// NewEndpoint creates an [Endpoint] for the device at host.
//
// The host parameter is a bare host name or IP address without scheme or
// port; use [WithPort] and [WithScheme] for those.
//
// Returns an error if the host is empty, contains a scheme, path or port,
// or if any option is invalid.
//
// Example:
//
//	ep, err := p1status.NewEndpoint("192.168.1.100",
//	    p1status.WithPort(8989),
//	    p1status.WithTimeout(5 * time.Second),
//	)
func NewEndpoint(host string, opts ...EndpointOption) (Endpoint, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Endpoint{}, errors.New("endpoint host cannot be empty")
	}
	if strings.Contains(host, "://") || strings.ContainsAny(host, "/?#") {
		return Endpoint{}, errors.New("endpoint host must not include a scheme or path")
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return Endpoint{}, errors.New("endpoint host must not include a port, use WithPort")
	}

	cfg := &endpointConfig{
		port:    DefaultPort,
		scheme:  defaultScheme,
		timeout: DefaultTimeout,
		mode:    DecodeJSON,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Endpoint{}, err
		}
	}

	path := cfg.path
	if path == "" {
		path = cfg.mode.defaultPath()
	}

	return Endpoint{
		host:    host,
		port:    cfg.port,
		scheme:  cfg.scheme,
		path:    path,
		timeout: cfg.timeout,
		mode:    cfg.mode,
	}, nil
}
