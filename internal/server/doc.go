// Package server terminates client WebSocket connections for the realtime
// service.
//
// Each connection is authenticated once at handshake time. The Hub keeps at
// most one connection per session key, reports connects, disconnects and
// inbound frames to a delivery.FrameHandler, and implements
// delivery.Deliverer for outbound envelopes.
package server
