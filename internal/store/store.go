package store

import (
	"time"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/internal/sensors"
)

// DeviceStatus is the current view of one polled device in storage.
//
// DeviceStatus is the storage representation of a coordinator snapshot,
// shaped for JSON serialization (used by the REST API, SSE and WebSocket
// streams). It is decoupled from [p1status.State] so the wire format can
// evolve independently.
type DeviceStatus struct {
	// ID is the device's stable identifier (a slug of its name).
	ID string `json:"id"`

	// Name is the device's display name.
	Name string `json:"name"`

	// URL is the status URL that is polled.
	URL string `json:"url"`

	// Available reports whether the most recent fetch succeeded.
	Available bool `json:"available"`

	// Reading is the last successful reading; it is kept while unavailable.
	Reading p1status.Reading `json:"reading"`

	// Sensors is Reading rendered through the device's presentation table.
	Sensors []sensors.Sensor `json:"sensors"`

	// Error contains the most recent fetch error, nil after a success.
	Error *string `json:"error"`

	// ErrorKind classifies Error: network, timeout, protocol or decode.
	ErrorKind string `json:"error_kind,omitempty"`

	// ConsecutiveFailures counts failed fetches since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// UpdatedAt is when Reading was last replaced. nil before the first success.
	UpdatedAt *time.Time `json:"updated_at"`

	// CheckedAt is when the most recent fetch completed.
	CheckedAt time.Time `json:"checked_at"`

	// Removed is set on the final update published when a device is deleted.
	Removed bool `json:"removed,omitempty"`
}

// FromState converts a coordinator snapshot into a [DeviceStatus].
func FromState(id, url string, set sensors.Set, s p1status.State) DeviceStatus {
	ds := DeviceStatus{
		ID:                  id,
		Name:                s.Name,
		URL:                 url,
		Available:           s.Available(),
		Reading:             s.Reading,
		Sensors:             sensors.Render(set, s.Reading, s.Available()),
		ErrorKind:           p1status.ErrorKind(s.Err),
		ConsecutiveFailures: s.ConsecutiveFailures,
		CheckedAt:           s.AttemptedAt,
	}
	if s.Err != nil {
		msg := s.Err.Error()
		ds.Error = &msg
	}
	if s.HasReading {
		t := s.UpdatedAt
		ds.UpdatedAt = &t
	}
	return ds
}

// Store defines the interface for storing and subscribing to device updates.
//
// Store implementations must be safe for concurrent access. The pub/sub
// mechanism allows real-time updates to be pushed to connected clients
// (e.g., via Server-Sent Events or WebSocket).
type Store interface {
	// Update stores a new device status and notifies all subscribers.
	// The status is keyed by ID, so subsequent updates replace previous values.
	Update(status DeviceStatus)

	// Get returns the stored status for id.
	Get(id string) (DeviceStatus, bool)

	// GetAll returns all currently stored statuses ordered by ID.
	// The returned slice is a snapshot; modifications do not affect the store.
	GetAll() []DeviceStatus

	// Delete removes id and notifies subscribers with Removed set.
	// Unknown IDs are ignored.
	Delete(id string)

	// Subscribe returns a channel that receives status updates.
	// The returned channel has a buffer; slow consumers may miss updates.
	// Caller must call Unsubscribe when done to prevent resource leaks.
	Subscribe() <-chan DeviceStatus

	// Unsubscribe removes a subscription and closes the channel.
	// Safe to call with a channel that was already unsubscribed.
	Unsubscribe(ch <-chan DeviceStatus)
}
