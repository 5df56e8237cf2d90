package config

import (
	"log/slog"
	"strings"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/internal/sensors"
)

// BuildEndpoint converts a validated DeviceConfig into an [p1status.Endpoint].
func BuildEndpoint(dc DeviceConfig) (p1status.Endpoint, error) {
	var opts []p1status.EndpointOption

	if dc.Port != 0 {
		opts = append(opts, p1status.WithPort(dc.Port))
	}

	if dc.Scheme != "" {
		opts = append(opts, p1status.WithScheme(dc.Scheme))
	}

	mode, err := p1status.ParseDecodeMode(dc.Mode)
	if err != nil {
		return p1status.Endpoint{}, err
	}
	opts = append(opts, p1status.WithDecodeMode(mode))

	if dc.Path != "" {
		opts = append(opts, p1status.WithPath(dc.Path))
	}

	if dc.Timeout != 0 {
		opts = append(opts, p1status.WithTimeout(dc.Timeout.Duration()))
	}

	return p1status.NewEndpoint(dc.Host, opts...)
}

// BuildCoordinatorOptions returns the coordinator options for dc. Callers
// append their own observers.
func BuildCoordinatorOptions(dc DeviceConfig, logger *slog.Logger) []p1status.Option {
	opts := []p1status.Option{
		p1status.WithName(dc.DisplayName()),
	}
	if dc.ScanInterval != 0 {
		opts = append(opts, p1status.WithInterval(dc.ScanInterval.Duration()))
	}
	if logger != nil {
		opts = append(opts, p1status.WithLogger(logger))
	}
	return opts
}

// SensorSet returns dc's presentation table. Validation guarantees it parses.
func SensorSet(dc DeviceConfig) sensors.Set {
	set, err := sensors.ParseSet(dc.Sensors)
	if err != nil {
		return sensors.SetAll
	}
	return set
}

// ParseLogLevel maps a log_level value to a [slog.Level]. Unknown and empty
// values yield [slog.LevelInfo].
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
