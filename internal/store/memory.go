package store

import (
	"slices"
	"strings"
	"sync"
)

const subscriberBuffer = 100

// MemoryStore is an in-memory implementation of [Store].
//
// MemoryStore provides thread-safe storage with a publish-subscribe mechanism
// for real-time updates. Statuses are keyed by device ID, with new statuses
// replacing previous values.
//
// Subscribers receive updates via buffered channels (buffer size 100). Updates
// are sent non-blocking; if a subscriber's buffer is full, the update is dropped
// for that subscriber to prevent blocking the polling goroutine.
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]DeviceStatus
	subscribers map[chan DeviceStatus]struct{}
	subMu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory [Store] implementation.
//
// The store is immediately ready for use. No cleanup is required when done.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[string]DeviceStatus),
		subscribers: make(map[chan DeviceStatus]struct{}),
	}
}

// Update stores a [DeviceStatus] and notifies all subscribers.
func (m *MemoryStore) Update(status DeviceStatus) {
	m.mu.Lock()
	m.devices[status.ID] = status
	m.mu.Unlock()

	m.notifySubscribers(status)
}

// Get returns the stored status for id.
func (m *MemoryStore) Get(id string) (DeviceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.devices[id]
	return status, ok
}

// GetAll returns a snapshot of all stored statuses ordered by ID.
func (m *MemoryStore) GetAll() []DeviceStatus {
	m.mu.RLock()
	results := make([]DeviceStatus, 0, len(m.devices))
	for _, status := range m.devices {
		results = append(results, status)
	}
	m.mu.RUnlock()

	slices.SortFunc(results, func(a, b DeviceStatus) int {
		return strings.Compare(a.ID, b.ID)
	})
	return results
}

// Delete removes id from the store. Subscribers receive the last known
// status with Removed set.
func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	status, ok := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	status.Removed = true
	m.notifySubscribers(status)
}

// Subscribe creates a new subscription and returns a channel for receiving updates.
//
// The returned channel has a buffer of 100 messages. If the buffer fills
// (slow consumer), new updates are dropped for this subscriber.
//
// Caller must call [MemoryStore.Unsubscribe] when done to prevent resource leaks.
func (m *MemoryStore) Subscribe() <-chan DeviceStatus {
	ch := make(chan DeviceStatus, subscriberBuffer)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscription and closes its channel.
//
// Safe to call multiple times or with an unknown channel.
func (m *MemoryStore) Unsubscribe(ch <-chan DeviceStatus) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	// the map is keyed by the bidirectional channel
	for subCh := range m.subscribers {
		if subCh == ch {
			delete(m.subscribers, subCh)
			close(subCh)
			break
		}
	}
}

// notifySubscribers sends status to all active subscribers without blocking.
func (m *MemoryStore) notifySubscribers(status DeviceStatus) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// subscriber is slow, drop the message
		}
	}
}
