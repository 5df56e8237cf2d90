// Package config provides YAML and environment configuration for p1status.
//
// Example configuration:
//
//	log_level: info
//	server:
//	  port: 8080
//
//	mqtt:
//	  broker: tcp://localhost:1883
//	  username: ${MQTT_USER}
//	  password: ${MQTT_PASS}
//
//	devices:
//	  - name: Kitchen meter
//	    host: 192.168.1.100
//	    scan_interval: 30
//	    sensors: telemetry
//
//	  - host: ${GARAGE_METER_HOST:-192.168.1.101}
//	    mode: text
//	    sensors: meter
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/internal/hub"
	"github.com/jpalmerr/p1status/internal/sensors"
)

const (
	// minScanInterval and maxScanInterval bound a device's polling cadence.
	// Shorter intervals load the meter's small HTTP server for no benefit.
	minScanInterval = 10 * time.Second
	maxScanInterval = 300 * time.Second

	defaultScanInterval = 30 * time.Second
	defaultServerPort   = 8080
)

// Config is the root configuration structure for p1status.
//
// It maps directly to the YAML configuration file structure.
// Use [Load], [Parse] or [FromEnv] to create a Config.
type Config struct {
	// Title is the status page title. Defaults to "p1status" if not set.
	Title string `yaml:"title"`

	// LogLevel is one of debug, info, warn or error. Empty means info.
	LogLevel string `yaml:"log_level"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// MQTT configures the optional MQTT publisher.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Devices lists the meters to poll.
	Devices []DeviceConfig `yaml:"devices"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Port is the HTTP port. Defaults to 8080; 0 disables the HTTP API.
	Port int `yaml:"port"`
}

// MQTTConfig configures the MQTT publisher. Publishing is disabled when
// Broker is empty.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Broker string `yaml:"broker"`

	// Username and Password authenticate to the broker. Both support
	// environment variable substitution.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ClientID identifies the bridge. Defaults to "p1status".
	ClientID string `yaml:"client_id"`

	// TopicPrefix is the topic root. Defaults to "p1status".
	TopicPrefix string `yaml:"topic_prefix"`

	// Discovery is the Home Assistant discovery prefix, e.g. "homeassistant".
	// Empty disables discovery.
	Discovery string `yaml:"discovery_prefix"`

	// QoS is the publish QoS, 0 to 2.
	QoS int `yaml:"qos"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// DeviceConfig defines a single meter.
type DeviceConfig struct {
	// ID is the registry and topic key. Defaults to a slug of the name.
	ID string `yaml:"id"`

	// Name is the display name. Defaults to "ADA-P1 Meter (<host>)".
	// Supports environment variable substitution.
	Name string `yaml:"name"`

	// Host is the device address. Required.
	// Supports environment variable substitution.
	Host string `yaml:"host"`

	// Port defaults to 8989.
	Port int `yaml:"port"`

	// Scheme is http or https. Defaults to http.
	Scheme string `yaml:"scheme"`

	// Mode is the firmware response format: json or text. Defaults to json.
	Mode string `yaml:"mode"`

	// Path overrides the mode's default request path.
	Path string `yaml:"path"`

	// ScanInterval is the time between fetches, 10s to 300s.
	// Accepts integer seconds or duration strings. Defaults to 30s.
	ScanInterval Duration `yaml:"scan_interval"`

	// Timeout bounds each request. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// Sensors selects the presentation table: meter, telemetry or all.
	Sensors string `yaml:"sensors"`
}

// DisplayName returns the configured name or the default derived from host.
func (d DeviceConfig) DisplayName() string {
	if strings.TrimSpace(d.Name) != "" {
		return strings.TrimSpace(d.Name)
	}
	return p1status.DefaultName(d.Host)
}

// DeviceID returns the configured ID or the slug of the display name.
func (d DeviceConfig) DeviceID() string {
	if d.ID != "" {
		return d.ID
	}
	return hub.ID(d.DisplayName())
}

// Duration wraps time.Duration for YAML unmarshalling.
//
// It accepts duration strings ("30s", "1m") and bare integers, which are
// read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", node.Kind)
	}

	parsed, err := parseDuration(node.Value)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// parseDuration parses integer seconds or a time.ParseDuration string.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return parsed, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded after parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in device names and hosts and in the
// MQTT broker settings. Defaults are applied for the server port (8080) and
// each device's scan interval (30s).
func Parse(data []byte) (*Config, error) {
	// yaml leaves absent fields untouched, so an explicit "port: 0" survives
	cfg := Config{Server: ServerConfig{Port: defaultServerPort}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables, applies device defaults
// and validates the config.
func (c *Config) expandAndValidate() error {
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}

	if err := c.MQTT.expandAndValidate(); err != nil {
		return err
	}

	if len(c.Devices) == 0 {
		return errors.New("at least one device must be defined")
	}

	seen := make(map[string]int, len(c.Devices))
	for i := range c.Devices {
		dev := &c.Devices[i]

		if err := dev.expandAndValidate(i); err != nil {
			return err
		}

		id := dev.DeviceID()
		if id == "" {
			return fmt.Errorf("devices[%d] (%s): cannot derive an id from the name; set id", i, dev.label())
		}
		if j, dup := seen[id]; dup {
			return fmt.Errorf("devices[%d] (%s): id %q already used by devices[%d]", i, dev.label(), id, j)
		}
		seen[id] = i
	}

	return nil
}

func (m *MQTTConfig) expandAndValidate() error {
	fields := []struct {
		name string
		val  *string
	}{
		{"broker", &m.Broker},
		{"username", &m.Username},
		{"password", &m.Password},
		{"client_id", &m.ClientID},
	}
	for _, f := range fields {
		expanded, err := expandEnvVars(*f.val)
		if err != nil {
			return fmt.Errorf("mqtt.%s: %w", f.name, err)
		}
		*f.val = expanded
	}

	if !m.Enabled() {
		return nil
	}

	u, err := url.Parse(m.Broker)
	if err != nil {
		return fmt.Errorf("mqtt.broker: invalid url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker: scheme must be tcp, ssl, tls, mqtt, mqtts, ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("mqtt.broker: host is required")
	}

	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}
	if strings.ContainsAny(m.TopicPrefix, "#+") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards, got %q", m.TopicPrefix)
	}
	return nil
}

// label names the device in error messages.
func (d *DeviceConfig) label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Host
}

func (d *DeviceConfig) expandAndValidate(i int) error {
	name, err := expandEnvVars(d.Name)
	if err != nil {
		return fmt.Errorf("devices[%d]: name: %w", i, err)
	}
	d.Name = name

	if d.Host == "" {
		if d.Name != "" {
			return fmt.Errorf("devices[%d] (%s): host is required", i, d.Name)
		}
		return fmt.Errorf("devices[%d]: host is required", i)
	}
	host, err := expandEnvVars(d.Host)
	if err != nil {
		return fmt.Errorf("devices[%d] (%s): host: %w", i, d.label(), err)
	}
	d.Host = strings.TrimSpace(host)
	if d.Host == "" {
		return fmt.Errorf("devices[%d] (%s): host is empty after expansion", i, d.label())
	}
	if strings.Contains(d.Host, "://") || strings.Contains(d.Host, "/") {
		return fmt.Errorf("devices[%d] (%s): host must be a hostname or IP, not a URL", i, d.label())
	}

	if d.Port != 0 && (d.Port < 1 || d.Port > 65535) {
		return fmt.Errorf("devices[%d] (%s): port must be between 1 and 65535, got %d", i, d.label(), d.Port)
	}

	if d.Scheme != "" && d.Scheme != "http" && d.Scheme != "https" {
		return fmt.Errorf("devices[%d] (%s): scheme must be http or https, got %q", i, d.label(), d.Scheme)
	}

	if _, err := p1status.ParseDecodeMode(d.Mode); err != nil {
		return fmt.Errorf("devices[%d] (%s): %w", i, d.label(), err)
	}

	if d.Path != "" && !strings.HasPrefix(d.Path, "/") {
		return fmt.Errorf("devices[%d] (%s): path must start with /, got %q", i, d.label(), d.Path)
	}

	if d.ScanInterval == 0 {
		d.ScanInterval = Duration(defaultScanInterval)
	}
	if d.ScanInterval.Duration() < minScanInterval {
		return fmt.Errorf("devices[%d] (%s): scan_interval must be at least %s, got %s",
			i, d.label(), minScanInterval, d.ScanInterval.Duration())
	}
	if d.ScanInterval.Duration() > maxScanInterval {
		return fmt.Errorf("devices[%d] (%s): scan_interval must not exceed %s, got %s",
			i, d.label(), maxScanInterval, d.ScanInterval.Duration())
	}

	if d.Timeout != 0 {
		if d.Timeout.Duration() < 0 {
			return fmt.Errorf("devices[%d] (%s): timeout cannot be negative, got %s",
				i, d.label(), d.Timeout.Duration())
		}
		if d.Timeout.Duration() < time.Second {
			return fmt.Errorf("devices[%d] (%s): timeout must be at least 1s if specified, got %s",
				i, d.label(), d.Timeout.Duration())
		}
	}

	if _, err := sensors.ParseSet(d.Sensors); err != nil {
		return fmt.Errorf("devices[%d] (%s): %w", i, d.label(), err)
	}

	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", level)
	}
}
