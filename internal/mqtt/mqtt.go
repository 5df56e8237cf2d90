// Package mqtt publishes device state to an MQTT broker.
//
// A [Publisher] is registered as a coordinator observer. After every fetch
// cycle it publishes the device's availability and the state of every known
// sensor, skipping topics whose payload has not changed:
//
//	{prefix}/status                     online/offline for the bridge (LWT)
//	{prefix}/{device}/availability      online/offline, retained
//	{prefix}/{device}/{key}/state       sensor state, retained
//
// With [WithDiscovery] it also publishes Home Assistant discovery config for
// each sensor the first time the sensor has a value.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// DefaultTopicPrefix is the topic root used when no prefix is configured.
	DefaultTopicPrefix = "p1status"

	// DefaultClientID identifies the bridge to the broker.
	DefaultClientID = "p1status"

	connectTimeout = 5 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Client is the subset of [paho_mqtt.Client] used by this package.
type Client interface {
	Connect() paho_mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho_mqtt.Token
	Disconnect(quiesce uint)
}

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// NewClient builds a paho client for cfg.
//
// The client reconnects automatically. It announces the bridge as online on
// {prefix}/status after every connect and registers a retained "offline"
// last will on the same topic.
func NewClient(cfg ClientConfig, logger *slog.Logger) paho_mqtt.Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	statusTopic := cfg.TopicPrefix + "/status"

	opts := paho_mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(statusTopic, payloadOffline, 1, true).
		SetOnConnectHandler(func(c paho_mqtt.Client) {
			logger.Info("mqtt connected", "broker", cfg.Broker)
			c.Publish(statusTopic, 1, true, payloadOnline)
		}).
		SetConnectionLostHandler(func(_ paho_mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err.Error())
		})

	return paho_mqtt.NewClient(opts)
}

// Connect connects c, waiting at most five seconds.
func Connect(c Client) error {
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("unable to connect in time")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}
