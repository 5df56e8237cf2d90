package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envPrefix prefixes every variable read by [FromEnv].
const envPrefix = "P1STATUS_"

// envConfig is the single-device configuration read from the environment.
type envConfig struct {
	Title    string `env:"TITLE"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ServerPort int `env:"SERVER_PORT" envDefault:"8080"`

	ID           string `env:"ID"`
	Name         string `env:"NAME"`
	Host         string `env:"HOST,required,notEmpty"`
	Port         int    `env:"PORT"`
	Scheme       string `env:"SCHEME"`
	Mode         string `env:"MODE"`
	Path         string `env:"PATH"`
	ScanInterval string `env:"SCAN_INTERVAL"`
	Timeout      string `env:"TIMEOUT"`
	Sensors      string `env:"SENSORS"`

	MQTTBroker      string `env:"MQTT_BROKER"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX"`
	MQTTDiscovery   string `env:"MQTT_DISCOVERY_PREFIX"`
	MQTTQoS         int    `env:"MQTT_QOS"`
}

// FromEnv builds a single-device configuration from P1STATUS_* environment
// variables, e.g. P1STATUS_HOST, P1STATUS_SCAN_INTERVAL and
// P1STATUS_MQTT_BROKER. It applies the same defaults and validation as
// [Parse]. P1STATUS_HOST is required.
func FromEnv() (*Config, error) {
	return fromEnv(env.Options{Prefix: envPrefix})
}

func fromEnv(opts env.Options) (*Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = envPrefix
	}

	var e envConfig
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	dev := DeviceConfig{
		ID:      e.ID,
		Name:    e.Name,
		Host:    e.Host,
		Port:    e.Port,
		Scheme:  e.Scheme,
		Mode:    e.Mode,
		Path:    e.Path,
		Sensors: e.Sensors,
	}
	if e.ScanInterval != "" {
		d, err := parseDuration(e.ScanInterval)
		if err != nil {
			return nil, fmt.Errorf("%sSCAN_INTERVAL: %w", envPrefix, err)
		}
		dev.ScanInterval = Duration(d)
	}
	if e.Timeout != "" {
		d, err := parseDuration(e.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%sTIMEOUT: %w", envPrefix, err)
		}
		dev.Timeout = Duration(d)
	}

	cfg := Config{
		Title:    e.Title,
		LogLevel: e.LogLevel,
		Server:   ServerConfig{Port: e.ServerPort},
		MQTT: MQTTConfig{
			Broker:      e.MQTTBroker,
			Username:    e.MQTTUsername,
			Password:    e.MQTTPassword,
			ClientID:    e.MQTTClientID,
			TopicPrefix: e.MQTTTopicPrefix,
			Discovery:   e.MQTTDiscovery,
			QoS:         e.MQTTQoS,
		},
		Devices: []DeviceConfig{dev},
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
