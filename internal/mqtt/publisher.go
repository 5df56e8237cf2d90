package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/internal/sensors"
)

const defaultPublishTimeout = 5 * time.Second

// Option configures a [Publisher].
type Option func(*Publisher)

// WithTopicPrefix sets the topic root. Empty keeps [DefaultTopicPrefix].
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithQoS sets the QoS for every publish. Values above 2 are ignored.
func WithQoS(qos byte) Option {
	return func(p *Publisher) {
		if qos <= 2 {
			p.qos = qos
		}
	}
}

// WithPublishTimeout bounds how long a single publish may wait for the broker.
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDiscovery enables Home Assistant discovery under prefix, usually
// "homeassistant".
func WithDiscovery(prefix string) Option {
	return func(p *Publisher) {
		p.discovery = prefix
	}
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Publisher publishes coordinator state to MQTT. It is safe for concurrent
// use by the observers of several coordinators.
type Publisher struct {
	client    Client
	prefix    string
	discovery string
	qos       byte
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	last       map[string]string // topic -> last published payload
	discovered map[string]struct{}
}

// NewPublisher creates a [Publisher] on a connected client.
func NewPublisher(client Client, opts ...Option) *Publisher {
	p := &Publisher{
		client:     client,
		prefix:     DefaultTopicPrefix,
		timeout:    defaultPublishTimeout,
		logger:     slog.Default(),
		last:       make(map[string]string),
		discovered: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AvailabilityTopic returns the availability topic for device.
func (p *Publisher) AvailabilityTopic(device string) string {
	return fmt.Sprintf("%s/%s/availability", p.prefix, device)
}

// StateTopic returns the state topic for one sensor key of device.
func (p *Publisher) StateTopic(device, key string) string {
	return fmt.Sprintf("%s/%s/%s/state", p.prefix, device, key)
}

// Observer returns a coordinator observer that publishes device's state
// rendered with set. Publish errors are logged, never returned to the
// coordinator.
func (p *Publisher) Observer(device string, set sensors.Set) func(p1status.State) {
	return func(s p1status.State) {
		if err := p.Publish(device, set, s); err != nil {
			p.logger.Warn("mqtt publish failed",
				"device", device,
				"error", err.Error(),
			)
		}
	}
}

// Publish publishes availability and every changed sensor state of s.
//
// Stale values are not republished while the device is unavailable; the
// availability topic carries that. A failed publish is retried on the next
// call because its payload is not recorded as sent.
func (p *Publisher) Publish(device string, set sensors.Set, s p1status.State) error {
	var errs []error

	availability := payloadOffline
	if s.Available() {
		availability = payloadOnline
	}
	if _, err := p.publishChanged(p.AvailabilityTopic(device), availability); err != nil {
		errs = append(errs, err)
	}

	if !s.HasReading || !s.Available() {
		return errors.Join(errs...)
	}

	published := 0
	for _, sensor := range sensors.Present(sensors.Render(set, s.Reading, true)) {
		if p.discovery != "" {
			if err := p.announce(device, s.Name, sensor.Descriptor); err != nil {
				errs = append(errs, err)
			}
		}

		sent, err := p.publishChanged(p.StateTopic(device, sensor.Key), sensor.State())
		if err != nil {
			errs = append(errs, err)
		}
		if sent {
			published++
		}
	}

	if published > 0 {
		p.logger.Debug("updated sensors", "device", device, "count", published)
	}
	return errors.Join(errs...)
}

// Offline publishes device as offline and forgets its cached payloads, so a
// re-added device republishes everything. Used when a device is removed.
func (p *Publisher) Offline(device string) error {
	topic := p.AvailabilityTopic(device)
	err := p.publish(topic, payloadOffline, true)

	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := fmt.Sprintf("%s/%s/", p.prefix, device)
	for t := range p.last {
		if strings.HasPrefix(t, prefix) {
			delete(p.last, t)
		}
	}
	for k := range p.discovered {
		if strings.HasPrefix(k, device+"/") {
			delete(p.discovered, k)
		}
	}
	return err
}

// publishChanged publishes payload unless it was the last payload sent to
// topic. It reports whether a publish succeeded.
func (p *Publisher) publishChanged(topic, payload string) (bool, error) {
	p.mu.Lock()
	last, ok := p.last[topic]
	p.mu.Unlock()
	if ok && last == payload {
		return false, nil
	}

	if err := p.publish(topic, payload, true); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.last[topic] = payload
	p.mu.Unlock()
	return true, nil
}

func (p *Publisher) publish(topic string, payload any, retained bool) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type discoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	Unit              string          `json:"unit_of_measurement,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	StateClass        string          `json:"state_class,omitempty"`
	Icon              string          `json:"icon,omitempty"`
	PayloadOn         string          `json:"payload_on,omitempty"`
	PayloadOff        string          `json:"payload_off,omitempty"`
	Device            discoveryDevice `json:"device"`
}

// DiscoveryTopic returns the Home Assistant config topic for one sensor.
func (p *Publisher) DiscoveryTopic(device string, d sensors.Descriptor) string {
	component := "sensor"
	if d.Kind == sensors.KindBinary {
		component = "binary_sensor"
	}
	return fmt.Sprintf("%s/%s/%s/%s/config", p.discovery, component, device, d.Key)
}

// announce publishes the discovery config for one sensor once.
func (p *Publisher) announce(device, name string, d sensors.Descriptor) error {
	key := device + "/" + d.Key

	p.mu.Lock()
	_, done := p.discovered[key]
	p.mu.Unlock()
	if done {
		return nil
	}

	cfg := discoveryConfig{
		Name:              d.Name,
		UniqueID:          device + "_" + d.Key,
		StateTopic:        p.StateTopic(device, d.Key),
		AvailabilityTopic: p.AvailabilityTopic(device),
		Unit:              d.Unit,
		DeviceClass:       d.DeviceClass,
		StateClass:        string(d.StateClass),
		Icon:              d.Icon,
		Device: discoveryDevice{
			Identifiers:  []string{device},
			Name:         name,
			Manufacturer: "ADA",
			Model:        "P1 Meter",
		},
	}
	if d.Kind == sensors.KindBinary {
		cfg.PayloadOn = "ON"
		cfg.PayloadOff = "OFF"
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode discovery config for %s: %w", key, err)
	}
	if err := p.publish(p.DiscoveryTopic(device, d), payload, true); err != nil {
		return err
	}

	p.mu.Lock()
	p.discovered[key] = struct{}{}
	p.mu.Unlock()
	return nil
}
