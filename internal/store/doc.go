// Package store keeps the latest status of every polled device and fans
// updates out to live API clients.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [DeviceStatus]: Storage representation of a device snapshot
//
// Coordinator observers call [Store.Update] after every fetch cycle.
// Subscribers receive updates via channels with non-blocking sends: a slow
// subscriber misses updates rather than stalling a coordinator's polling
// goroutine.
package store
