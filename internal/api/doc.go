// Package api provides the HTTP surfaces of Roadhawk Core: the
// operator REST API, the device gateway (pull channel), and the
// WebSocket hub that pushes fleet notifications to subscribers.
//
// Two route trees share one listener:
//
//   - /api/v1/...    operator API, JWT-protected, role-gated
//   - /gateway/...   device-facing pull channel (register, heartbeat,
//     location, events, command drain, result)
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api
