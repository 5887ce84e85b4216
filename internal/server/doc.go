// Package server implements the device TCP listener and the HTTP server.
// The TCP listener runs one goroutine per tracker connection and feeds each byte
// stream through framing, decoding and dispatch. The HTTP server exposes the
// WebSocket subscriber endpoint together with health, device, config, stats and
// metrics endpoints.
package server
