// Package server provides the HTTP API and status page for polled devices.
//
// The server reads device statuses from a [store.Store], which coordinator
// observers keep current, and handles all HTTP concerns:
//
//   - Status page: Serves the embedded HTML page at "/"
//   - REST API: "/api/devices", "/api/devices/{id}" and a POST refresh
//   - Server-Sent Events: Real-time updates at "/api/sse"
//   - WebSocket: The same updates at "/api/ws"
//   - Health: "/healthz"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
