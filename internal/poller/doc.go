// Package poller provides the HTTP transport and tick loop used by a
// p1status coordinator.
//
// The main components are:
//
//   - [Client]: HTTP client wrapper with per-request timeout and a 1MB body cap
//   - [Scheduler]: Runs a job at a fixed interval on one goroutine, never overlapping
//   - [Guard]: Panic recovery with correlation IDs
//
// Users of the p1status library should not need to interact with this
// package directly. Configuration is done through the main p1status package.
package poller
