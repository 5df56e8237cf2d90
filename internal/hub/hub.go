// Package hub keeps one running coordinator per configured device.
//
// The hub is an explicit registry owned by the host application: devices are
// added once their first refresh succeeds and removed (and stopped) by ID.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/gosimple/slug"
	"github.com/samber/lo"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/internal/sensors"
)

var (
	// ErrDuplicateDevice is returned by [Hub.Add] when the ID is taken.
	ErrDuplicateDevice = errors.New("device already registered")

	// ErrUnknownDevice is returned for IDs that are not registered.
	ErrUnknownDevice = errors.New("unknown device")
)

// Device is one registered device.
type Device struct {
	// ID is the registry key. Defaults to [ID] of the coordinator name.
	ID string

	// Coordinator polls the device.
	Coordinator *p1status.Coordinator

	// URL is the polled status URL, for display.
	URL string

	// Sensors is the presentation table used when rendering the device.
	Sensors sensors.Set

	// Close, if set, is called after the coordinator stops on removal.
	Close func()
}

// ID derives a device ID from a display name, e.g. "Kitchen meter" becomes
// "kitchen-meter".
func ID(name string) string {
	return slug.Make(name)
}

// Hub is a registry of devices keyed by ID. It is safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*Device
	pending map[string]struct{}
}

// New creates an empty [Hub]. A nil logger falls back to [slog.Default].
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		devices: make(map[string]*Device),
		pending: make(map[string]struct{}),
	}
}

// Add starts d's coordinator and registers the device.
//
// Add blocks for the first refresh. If it fails the device is not
// registered and the error from [p1status.Coordinator.Start] is returned.
// Returns [ErrDuplicateDevice] if the ID is already registered or being added.
func (h *Hub) Add(ctx context.Context, d Device) error {
	if d.Coordinator == nil {
		return errors.New("device coordinator is required")
	}
	if d.ID == "" {
		d.ID = ID(d.Coordinator.Name())
	}
	if d.ID == "" {
		return fmt.Errorf("cannot derive device ID from name %q", d.Coordinator.Name())
	}
	if d.Sensors == "" {
		d.Sensors = sensors.SetAll
	}

	h.mu.Lock()
	if _, ok := h.devices[d.ID]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	if _, ok := h.pending[d.ID]; ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	h.pending[d.ID] = struct{}{}
	h.mu.Unlock()

	err := d.Coordinator.Start(ctx)

	h.mu.Lock()
	delete(h.pending, d.ID)
	if err == nil {
		h.devices[d.ID] = &d
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Warn("device setup failed",
			"device", d.ID,
			"error", err.Error(),
			"error_kind", p1status.ErrorKind(err),
		)
		return err
	}

	h.logger.Info("device added", "device", d.ID, "url", d.URL)
	return nil
}

// Get returns the device registered under id.
func (h *Hub) Get(id string) (Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	d, ok := h.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns all registered devices ordered by ID.
func (h *Hub) List() []Device {
	h.mu.RLock()
	devices := lo.MapToSlice(h.devices, func(_ string, d *Device) Device { return *d })
	h.mu.RUnlock()

	slices.SortFunc(devices, func(a, b Device) int { return strings.Compare(a.ID, b.ID) })
	return devices
}

// Len returns the number of registered devices.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.devices)
}

// Refresh runs an out-of-schedule fetch cycle for id.
func (h *Hub) Refresh(ctx context.Context, id string) error {
	d, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d.Coordinator.Refresh(ctx)
}

// Remove stops the device's coordinator and unregisters it.
func (h *Hub) Remove(id string) error {
	h.mu.Lock()
	d, ok := h.devices[id]
	delete(h.devices, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	stop(d)
	h.logger.Info("device removed", "device", id)
	return nil
}

// StopAll stops and unregisters every device.
func (h *Hub) StopAll() {
	h.mu.Lock()
	devices := lo.Values(h.devices)
	h.devices = make(map[string]*Device)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop(d)
		}()
	}
	wg.Wait()

	if len(devices) > 0 {
		h.logger.Info("all devices stopped", "count", len(devices))
	}
}

func stop(d *Device) {
	d.Coordinator.Stop()
	if d.Close != nil {
		d.Close()
	}
}
