// Package p1status polls ADA-P1 style power/status meters over HTTP and
// exposes their readings to a host application.
//
// A device answers a single HTTP GET with either a flat JSON object or
// line-based "key: value[ unit]" text. p1status turns that body into a
// [Reading] (a flat map of string keys to number, string or boolean
// values) and keeps the last good Reading available through a
// [Coordinator] even while the device is unreachable.
//
// # Quick Start
//
//	ep, _ := p1status.NewEndpoint("192.168.1.100")
//	c, _ := p1status.New(p1status.NewHTTPFetcher(ep),
//	    p1status.WithInterval(30 * time.Second),
//	)
//
//	c.Subscribe(func(s p1status.State) {
//	    power, _ := s.Reading.Float("power")
//	    slog.Info("meter update", "available", s.Available(), "power", power)
//	})
//
//	if err := c.Start(ctx); err != nil {
//	    // the device did not answer the first refresh; abort setup
//	}
//	defer c.Stop()
//
// # Decoding
//
// The decode mode is chosen once per [Endpoint] with [WithDecodeMode]:
//
//   - [DecodeJSON]: GET /status, body must be a flat JSON object
//   - [DecodeText]: GET /, body is "key: value[ unit]" lines
//
// The same decoders are available directly as [ParseJSON] and [ParseText].
//
// # Errors
//
// Fetch failures are reported as [*NetworkError], [*TimeoutError],
// [*ProtocolError] or [*DecodeError]. During regular polling they only mark
// the device unavailable; they are returned to the caller only from
// [Coordinator.Start] and [Coordinator.Refresh].
//
// # Architecture
//
// p1status consists of several internal packages (under internal/):
//
//   - internal/poller: HTTP client and non-overlapping tick loop
//   - internal/hub: Registry of one coordinator per configured device
//   - internal/store: In-memory device state with pub/sub for live updates
//   - internal/sensors: Static presentation table of known keys
//   - internal/server: HTTP API with Server-Sent Events and WebSocket streams
//   - internal/mqtt: MQTT publisher observer
//   - internal/mockdevice: Stand-in device for manual and automated tests
//
// The internal packages are not part of the public API and may change
// without notice.
package p1status
