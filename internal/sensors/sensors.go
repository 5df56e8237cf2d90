package sensors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/jpalmerr/p1status"
)

// Kind is how a key's value is presented.
type Kind string

const (
	KindNumeric Kind = "numeric"
	KindText    Kind = "text"
	KindBinary  Kind = "binary"
)

// StateClass tells consumers how a numeric series behaves over time.
type StateClass string

const (
	StateClassNone            StateClass = ""
	StateClassMeasurement     StateClass = "measurement"
	StateClassTotalIncreasing StateClass = "total_increasing"
)

// Set selects which of the known key tables a device is rendered with.
type Set string

const (
	// SetMeter is the electrical key set: voltage, current, power, energy, frequency.
	SetMeter Set = "meter"

	// SetTelemetry is the device health key set served by the JSON firmware.
	SetTelemetry Set = "telemetry"

	// SetAll renders both tables.
	SetAll Set = "all"
)

// ParseSet parses a set name. The empty string selects [SetAll].
func ParseSet(s string) (Set, error) {
	switch Set(strings.ToLower(strings.TrimSpace(s))) {
	case "", SetAll:
		return SetAll, nil
	case SetMeter:
		return SetMeter, nil
	case SetTelemetry:
		return SetTelemetry, nil
	default:
		return "", fmt.Errorf("unknown sensor set %q (want meter, telemetry or all)", s)
	}
}

// Descriptor is static presentation metadata for one reading key.
type Descriptor struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Kind        Kind       `json:"kind"`
	Unit        string     `json:"unit,omitempty"`
	DeviceClass string     `json:"device_class,omitempty"`
	StateClass  StateClass `json:"state_class,omitempty"`
	Icon        string     `json:"icon,omitempty"`
}

var meter = []Descriptor{
	{Key: "voltage", Name: "Voltage", Kind: KindNumeric, Unit: "V", DeviceClass: "voltage", StateClass: StateClassMeasurement, Icon: "mdi:flash"},
	{Key: "current", Name: "Current", Kind: KindNumeric, Unit: "A", DeviceClass: "current", StateClass: StateClassMeasurement, Icon: "mdi:current-ac"},
	{Key: "power", Name: "Power", Kind: KindNumeric, Unit: "W", DeviceClass: "power", StateClass: StateClassMeasurement, Icon: "mdi:lightning-bolt"},
	{Key: "energy", Name: "Energy", Kind: KindNumeric, Unit: "kWh", DeviceClass: "energy", StateClass: StateClassTotalIncreasing, Icon: "mdi:counter"},
	{Key: "frequency", Name: "Frequency", Kind: KindNumeric, Unit: "Hz", DeviceClass: "frequency", StateClass: StateClassMeasurement, Icon: "mdi:sine-wave"},
}

var telemetry = []Descriptor{
	// text
	{Key: "os_version", Name: "OS Version", Kind: KindText, Icon: "mdi:information-outline"},
	{Key: "local_ip", Name: "Local IP", Kind: KindText, Icon: "mdi:ip-network"},
	{Key: "hostname", Name: "Hostname", Kind: KindText, Icon: "mdi:network"},
	{Key: "ssid", Name: "SSID", Kind: KindText, Icon: "mdi:wifi"},
	{Key: "mqtt_server", Name: "MQTT Server", Kind: KindText, Icon: "mdi:server-network"},
	{Key: "uptime_hhmm", Name: "Uptime (HH:MM)", Kind: KindText, Icon: "mdi:clock-outline"},

	// numeric
	{Key: "wifi_rssi", Name: "WiFi RSSI", Kind: KindNumeric, Unit: "dBm", DeviceClass: "signal_strength", StateClass: StateClassMeasurement, Icon: "mdi:wifi-strength-2"},
	{Key: "wifi_channel", Name: "WiFi Channel", Kind: KindNumeric, Icon: "mdi:wifi-settings"},
	{Key: "serial_recent_sec", Name: "Serial Recent", Kind: KindNumeric, Unit: "s", StateClass: StateClassMeasurement, Icon: "mdi:serial-port"},
	{Key: "uptime_seconds", Name: "Uptime", Kind: KindNumeric, Unit: "s", StateClass: StateClassTotalIncreasing, Icon: "mdi:timer-outline"},
	{Key: "heap_total", Name: "Heap Total", Kind: KindNumeric, Unit: "B", DeviceClass: "data_size", Icon: "mdi:memory"},
	{Key: "heap_free", Name: "Heap Free", Kind: KindNumeric, Unit: "B", DeviceClass: "data_size", Icon: "mdi:memory"},
	{Key: "heap_min_free", Name: "Heap Min Free", Kind: KindNumeric, Unit: "B", DeviceClass: "data_size", Icon: "mdi:memory"},
	{Key: "heap_max_alloc", Name: "Heap Max Alloc", Kind: KindNumeric, Unit: "B", DeviceClass: "data_size", Icon: "mdi:memory"},
	{Key: "heap_fragmentation", Name: "Heap Fragmentation", Kind: KindNumeric, Unit: "%", StateClass: StateClassMeasurement, Icon: "mdi:memory"},
	{Key: "fs_total", Name: "Filesystem Total", Kind: KindNumeric, Unit: "B", DeviceClass: "data_size", Icon: "mdi:harddisk"},
	{Key: "fs_used", Name: "Filesystem Used", Kind: KindNumeric, Unit: "B", DeviceClass: "data_size", Icon: "mdi:harddisk"},
	{Key: "watchdog_last_kick_ms", Name: "Watchdog Last Kick", Kind: KindNumeric, Unit: "ms", Icon: "mdi:timer-sand"},
	{Key: "chip_cores", Name: "Chip Cores", Kind: KindNumeric, Icon: "mdi:chip"},
	{Key: "ack_items", Name: "ACK Items", Kind: KindNumeric, Icon: "mdi:format-list-numbered"},

	// binary
	{Key: "mqtt_connected", Name: "MQTT Connected", Kind: KindBinary, DeviceClass: "connectivity", Icon: "mdi:server-network"},
	{Key: "telegram_url_mode", Name: "Telegram URL Mode", Kind: KindBinary, Icon: "mdi:telegram"},
	{Key: "telegram_url_set", Name: "Telegram URL Set", Kind: KindBinary, Icon: "mdi:telegram"},
	{Key: "rules_loaded", Name: "Rules Loaded", Kind: KindBinary, Icon: "mdi:script-text"},
	{Key: "watchdog_enabled", Name: "Watchdog Enabled", Kind: KindBinary, Icon: "mdi:shield-check"},
}

var byKey = lo.KeyBy(append(append([]Descriptor{}, meter...), telemetry...), func(d Descriptor) string {
	return d.Key
})

// Descriptors returns the presentation table for set in display order.
// Unknown sets yield nil.
func Descriptors(set Set) []Descriptor {
	switch set {
	case SetMeter:
		return append([]Descriptor(nil), meter...)
	case SetTelemetry:
		return append([]Descriptor(nil), telemetry...)
	case SetAll:
		return append(append([]Descriptor(nil), meter...), telemetry...)
	default:
		return nil
	}
}

// Lookup returns the descriptor for key.
func Lookup(key string) (Descriptor, bool) {
	d, ok := byKey[key]
	return d, ok
}

// Sensor is one descriptor paired with the current value for it.
//
// Value is float64 for numeric sensors, string for text sensors, bool for
// binary sensors, and nil when the reading has no usable value.
type Sensor struct {
	Descriptor
	Value     any  `json:"value"`
	Available bool `json:"available"`
}

// State formats the value as an MQTT state payload: numbers in shortest
// form, binary sensors as ON/OFF, and "unknown" for a missing value.
func (s Sensor) State() string {
	switch v := s.Value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	case bool:
		if v {
			return "ON"
		}
		return "OFF"
	default:
		return "unknown"
	}
}

// Render pairs every descriptor in set with its value from r.
//
// available marks every sensor; hosts pass [p1status.State.Available] so
// stale values are shown but flagged.
func Render(set Set, r p1status.Reading, available bool) []Sensor {
	return lo.Map(Descriptors(set), func(d Descriptor, _ int) Sensor {
		return Sensor{
			Descriptor: d,
			Value:      valueFor(d, r),
			Available:  available,
		}
	})
}

// Present returns only the sensors whose key has a value in the reading.
func Present(sensors []Sensor) []Sensor {
	return lo.Filter(sensors, func(s Sensor, _ int) bool {
		return s.Value != nil
	})
}

func valueFor(d Descriptor, r p1status.Reading) any {
	v, ok := r.Get(d.Key)
	if !ok {
		return nil
	}

	switch d.Kind {
	case KindNumeric:
		if f, ok := v.Float(); ok {
			return f
		}
		// text firmware may serve numbers the decoder kept as strings
		if s, ok := v.Str(); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
		return nil
	case KindBinary:
		b, ok := Coerce(v)
		if !ok {
			return nil
		}
		return b
	default:
		return v.String()
	}
}

// Coerce converts a reading value to a boolean the way the firmware's
// flags are commonly encoded: booleans as-is, "true", "1", "on" and "yes"
// (case-insensitive) as true and any other string as false, and non-zero
// numbers as true.
func Coerce(v p1status.Value) (bool, bool) {
	switch v.Kind() {
	case p1status.KindBool:
		b, _ := v.Boolean()
		return b, true
	case p1status.KindString:
		s, _ := v.Str()
		return lo.Contains([]string{"true", "1", "on", "yes"}, strings.ToLower(strings.TrimSpace(s))), true
	case p1status.KindNumber:
		f, _ := v.Float()
		return f != 0, true
	default:
		return false, false
	}
}
