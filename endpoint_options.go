package p1status

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// endpointConfig holds mutable state during endpoint construction.
type endpointConfig struct {
	port    int
	scheme  string
	path    string
	timeout time.Duration
	mode    DecodeMode
}

// EndpointOption is a function that configures an [Endpoint] during construction.
//
// Options return an error if validation fails.
//
// Built-in options: [WithPort], [WithScheme], [WithPath], [WithTimeout],
// [WithDecodeMode].
type EndpointOption func(*endpointConfig) error

// WithPort sets the device TCP port.
//
// Returns an error if the port is outside the valid range (1-65535).
func WithPort(port int) EndpointOption {
	return func(cfg *endpointConfig) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", port)
		}
		cfg.port = port
		return nil
	}
}

// WithScheme sets the URL scheme, "http" or "https".
func WithScheme(scheme string) EndpointOption {
	return func(cfg *endpointConfig) error {
		scheme = strings.ToLower(scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("scheme must be http or https, got %q", scheme)
		}
		cfg.scheme = scheme
		return nil
	}
}

// WithPath overrides the request path. The path must start with "/".
//
// Without this option the path follows the decode mode: "/status" for
// [DecodeJSON] and "/" for [DecodeText].
func WithPath(path string) EndpointOption {
	return func(cfg *endpointConfig) error {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("path must start with '/', got %q", path)
		}
		cfg.path = path
		return nil
	}
}

// WithTimeout sets the request timeout for the endpoint.
//
// The timeout covers the whole request including connection establishment
// and reading the body. Defaults to 10 seconds if not specified.
//
// Example:
//
//	ep, err := p1status.NewEndpoint("meter.local",
//	    p1status.WithTimeout(5 * time.Second),
//	)
//
// Returns an error if the duration is zero or negative.
func WithTimeout(d time.Duration) EndpointOption {
	return func(cfg *endpointConfig) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.timeout = d
		return nil
	}
}

// WithDecodeMode selects the body format served by the device firmware.
func WithDecodeMode(mode DecodeMode) EndpointOption {
	return func(cfg *endpointConfig) error {
		if mode != DecodeJSON && mode != DecodeText {
			return fmt.Errorf("unknown decode mode %q", mode)
		}
		cfg.mode = mode
		return nil
	}
}
