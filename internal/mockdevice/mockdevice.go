// Package mockdevice simulates an ADA-P1 meter over HTTP for local testing.
//
// The simulated device answers:
//
//	GET /status   flat JSON object of randomized values
//	GET /         the same values as "key: value[ unit]" lines
//
// and 404 for anything else. Values are plausible for the chosen [Profile]:
// the electrical meter key set or the device telemetry key set.
package mockdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/jpalmerr/p1status/internal/sensors"
)

// Profile selects which key set the device serves.
type Profile string

const (
	// ProfileMeter serves voltage, current, power, energy and frequency.
	ProfileMeter Profile = "meter"

	// ProfileTelemetry serves the device health key set.
	ProfileTelemetry Profile = "telemetry"
)

// ParseProfile parses a profile name. Empty selects [ProfileTelemetry].
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProfileTelemetry:
		return ProfileTelemetry, nil
	case ProfileMeter:
		return ProfileMeter, nil
	default:
		return "", fmt.Errorf("unknown profile %q (want meter or telemetry)", s)
	}
}

const shutdownTimeout = 5 * time.Second

// Option configures a [Device].
type Option func(*Device)

// WithProfile sets the served key set.
func WithProfile(p Profile) Option {
	return func(d *Device) { d.profile = p }
}

// WithSeed makes the generated values deterministic.
func WithSeed(seed int64) Option {
	return func(d *Device) { d.rng = rand.New(rand.NewSource(seed)) }
}

// WithLatency delays every response by a random duration up to limit.
func WithLatency(limit time.Duration) Option {
	return func(d *Device) { d.latency = limit }
}

// WithFailureRate answers 503 for the given fraction of requests, 0 to 1.
func WithFailureRate(rate float64) Option {
	return func(d *Device) { d.failureRate = min(max(rate, 0), 1) }
}

// WithClock overrides the time source used for uptime.
func WithClock(now func() time.Time) Option {
	return func(d *Device) { d.now = now }
}

// WithLogger sets the request logger. Nil is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Device is a simulated meter. It is safe for concurrent use.
type Device struct {
	profile     Profile
	latency     time.Duration
	failureRate float64
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	started time.Time
	energy  float64

	requests atomic.Int64
}

// New creates a [Device].
func New(opts ...Option) *Device {
	d := &Device{
		profile: ProfileTelemetry,
		now:     time.Now,
		logger:  slog.Default(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		energy:  1234.5,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.started = d.now()
	return d
}

// Profile returns the served key set.
func (d *Device) Profile() Profile {
	return d.profile
}

// Requests returns the number of requests served so far.
func (d *Device) Requests() int64 {
	return d.requests.Load()
}

// Sample generates one set of values for the device's profile.
func (d *Device) Sample() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.profile == ProfileMeter {
		return d.meterSample()
	}
	return d.telemetrySample()
}

func (d *Device) meterSample() map[string]any {
	voltage := 230 + d.rng.Float64()*4 - 2
	current := 2 + d.rng.Float64()*6
	power := voltage * current

	// energy counter only moves forward
	d.energy += power / 1000 / 120

	return map[string]any{
		"voltage":   round(voltage, 1),
		"current":   round(current, 2),
		"power":     round(power, 0),
		"energy":    round(d.energy, 3),
		"frequency": round(50+d.rng.Float64()*0.1-0.05, 2),
	}
}

func (d *Device) telemetrySample() map[string]any {
	uptime := int(d.now().Sub(d.started).Seconds())

	return map[string]any{
		"os_version":            "1.2.3",
		"local_ip":              "192.168.1.100",
		"hostname":              "ada-p1-meter",
		"ssid":                  "MockWiFi",
		"mqtt_server":           "192.168.1.10",
		"mqtt_connected":        d.rng.Intn(2) == 1,
		"uptime_hhmm":           fmt.Sprintf("%02d:%02d", uptime/3600, (uptime%3600)/60),
		"uptime_seconds":        uptime,
		"wifi_rssi":             -60 + d.rng.Intn(21) - 10,
		"wifi_channel":          []int{1, 6, 11}[d.rng.Intn(3)],
		"serial_recent_sec":     d.rng.Intn(31),
		"heap_total":            327680,
		"heap_free":             123456 + d.rng.Intn(20001) - 10000,
		"heap_min_free":         100000,
		"heap_max_alloc":        98304,
		"heap_fragmentation":    10 + d.rng.Intn(16),
		"fs_total":              1048576,
		"fs_used":               524288 + d.rng.Intn(100001) - 50000,
		"watchdog_enabled":      true,
		"watchdog_last_kick_ms": 50 + d.rng.Intn(151),
		"telegram_url_mode":     false,
		"telegram_url_set":      true,
		"rules_loaded":          true,
		"chip_cores":            2,
		"ack_items":             d.rng.Intn(6),
	}
}

// Text renders values as the line-based firmware format, sorted by key,
// with the unit appended for known numeric keys.
func Text(values map[string]any) string {
	keys := lo.Keys(values)
	slices.Sort(keys)

	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s: %s", key, formatValue(values[key]))
		if desc, ok := sensors.Lookup(key); ok && desc.Unit != "" {
			b.WriteString(" " + desc.Unit)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func round(f float64, places int) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', places, 64), 64)
	return v
}

// Handler returns the device's HTTP handler.
func (d *Device) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", d.serve(d.writeJSON))
	mux.HandleFunc("GET /{$}", d.serve(d.writeText))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		d.requests.Add(1)
		http.Error(w, "Not Found. Use /status endpoint.", http.StatusNotFound)
	})
	return mux
}

func (d *Device) serve(write func(http.ResponseWriter, map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.requests.Add(1)

		if delay := d.delay(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if d.fail() {
			d.logger.Info("simulated failure", "path", r.URL.Path)
			http.Error(w, "simulated failure", http.StatusServiceUnavailable)
			return
		}

		write(w, d.Sample())
	}
}

func (d *Device) delay() time.Duration {
	if d.latency <= 0 {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.rng.Int63n(int64(d.latency) + 1))
}

func (d *Device) fail() bool {
	if d.failureRate <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.Float64() < d.failureRate
}

func (d *Device) writeJSON(w http.ResponseWriter, values map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(values); err != nil {
		d.logger.Error("failed to write response", "error", err)
	}
}

func (d *Device) writeText(w http.ResponseWriter, values map[string]any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(Text(values))); err != nil {
		d.logger.Error("failed to write response", "error", err)
	}
}

// ListenAndServe serves the device on addr until ctx is cancelled.
//
// ready, if non-nil, receives the bound address once the listener is open.
func (d *Device) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	d.logger.Info("mock device listening", "addr", ln.Addr().String(), "profile", string(d.profile))
	if ready != nil {
		ready(ln.Addr())
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
