package p1status

import (
	"errors"
	"log/slog"
	"time"
)

// coordinatorConfig holds mutable state during Coordinator construction.
type coordinatorConfig struct {
	name      string
	interval  time.Duration
	logger    *slog.Logger
	observers []func(State)
}

// Option is a function that configures a [Coordinator] during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
//
// Built-in options: [WithName], [WithInterval], [WithLogger], [WithObserver].
type Option func(*coordinatorConfig) error

// WithName sets the display label used in logs and snapshots.
func WithName(name string) Option {
	return func(cfg *coordinatorConfig) error {
		cfg.name = name
		return nil
	}
}

// WithInterval sets how often the device is polled after the first refresh.
//
// Defaults to 30 seconds if not specified. The configuration layer keeps
// user-supplied intervals within 10s-300s; the SDK only requires a
// positive duration.
//
// Example:
//
//	c, err := p1status.New(fetcher,
//	    p1status.WithInterval(15 * time.Second),
//	)
//
// Returns an error if the duration is zero or negative.
func WithInterval(d time.Duration) Option {
	return func(cfg *coordinatorConfig) error {
		if d <= 0 {
			return errors.New("polling interval must be positive")
		}
		cfg.interval = d
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Coordinator.
//
// If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *coordinatorConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithObserver registers fn before the first refresh, so it also sees the
// outcome of [Coordinator.Start].
//
// Observers registered this way cannot be unsubscribed. Use
// [Coordinator.Subscribe] when a [Handle] is needed. Nil observers are
// silently ignored.
func WithObserver(fn func(State)) Option {
	return func(cfg *coordinatorConfig) error {
		if fn == nil {
			return nil
		}
		cfg.observers = append(cfg.observers, fn)
		return nil
	}
}
