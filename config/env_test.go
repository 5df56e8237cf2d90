package config

import (
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func envOptions(vars map[string]string) env.Options {
	return env.Options{Environment: vars}
}

func TestFromEnv_Minimal(t *testing.T) {
	cfg, err := fromEnv(envOptions(map[string]string{
		"P1STATUS_HOST": "192.168.1.100",
	}))
	if err != nil {
		t.Fatalf("fromEnv() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("len(Devices) = %d, want 1", len(cfg.Devices))
	}
	dev := cfg.Devices[0]
	if dev.Host != "192.168.1.100" {
		t.Errorf("Host = %q, want 192.168.1.100", dev.Host)
	}
	if dev.ScanInterval.Duration() != 30*time.Second {
		t.Errorf("ScanInterval = %v, want 30s", dev.ScanInterval.Duration())
	}
	if cfg.MQTT.Enabled() {
		t.Error("MQTT should be disabled without P1STATUS_MQTT_BROKER")
	}
}

func TestFromEnv_Full(t *testing.T) {
	cfg, err := fromEnv(envOptions(map[string]string{
		"P1STATUS_HOST":                  "meter.local",
		"P1STATUS_NAME":                  "Kitchen meter",
		"P1STATUS_PORT":                  "80",
		"P1STATUS_MODE":                  "text",
		"P1STATUS_SCAN_INTERVAL":         "60",
		"P1STATUS_TIMEOUT":               "5s",
		"P1STATUS_SENSORS":               "meter",
		"P1STATUS_SERVER_PORT":           "0",
		"P1STATUS_LOG_LEVEL":             "debug",
		"P1STATUS_MQTT_BROKER":           "tcp://broker:1883",
		"P1STATUS_MQTT_USERNAME":         "bridge",
		"P1STATUS_MQTT_PASSWORD":         "secret",
		"P1STATUS_MQTT_DISCOVERY_PREFIX": "homeassistant",
		"P1STATUS_MQTT_QOS":              "1",
	}))
	if err != nil {
		t.Fatalf("fromEnv() error = %v", err)
	}

	dev := cfg.Devices[0]
	if dev.DisplayName() != "Kitchen meter" || dev.Port != 80 || dev.Mode != "text" || dev.Sensors != "meter" {
		t.Errorf("device = %+v", dev)
	}
	if dev.ScanInterval.Duration() != time.Minute {
		t.Errorf("ScanInterval = %v, want 1m", dev.ScanInterval.Duration())
	}
	if dev.Timeout.Duration() != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", dev.Timeout.Duration())
	}
	if cfg.Server.Port != 0 {
		t.Errorf("Server.Port = %d, want 0", cfg.Server.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.MQTT.Enabled() || cfg.MQTT.Username != "bridge" || cfg.MQTT.Discovery != "homeassistant" || cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		wantErrLike string
	}{
		{
			name:        "missing host",
			vars:        map[string]string{},
			wantErrLike: "P1STATUS_HOST",
		},
		{
			name:        "empty host",
			vars:        map[string]string{"P1STATUS_HOST": ""},
			wantErrLike: "P1STATUS_HOST",
		},
		{
			name:        "bad port",
			vars:        map[string]string{"P1STATUS_HOST": "meter", "P1STATUS_PORT": "eighty"},
			wantErrLike: "failed to read environment",
		},
		{
			name:        "bad interval",
			vars:        map[string]string{"P1STATUS_HOST": "meter", "P1STATUS_SCAN_INTERVAL": "often"},
			wantErrLike: "P1STATUS_SCAN_INTERVAL",
		},
		{
			name:        "interval out of range",
			vars:        map[string]string{"P1STATUS_HOST": "meter", "P1STATUS_SCAN_INTERVAL": "5"},
			wantErrLike: "scan_interval must be at least 10s",
		},
		{
			name:        "bad mode",
			vars:        map[string]string{"P1STATUS_HOST": "meter", "P1STATUS_MODE": "xml"},
			wantErrLike: "unknown decode mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fromEnv(envOptions(tt.vars))
			if err == nil {
				t.Fatal("fromEnv() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErrLike) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErrLike)
			}
		})
	}
}

func TestFromEnv_ProcessEnvironment(t *testing.T) {
	t.Setenv("P1STATUS_HOST", "10.1.1.1")
	t.Setenv("P1STATUS_NAME", "Attic")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.Devices[0].Host != "10.1.1.1" || cfg.Devices[0].DeviceID() != "attic" {
		t.Errorf("device = %+v", cfg.Devices[0])
	}
}
