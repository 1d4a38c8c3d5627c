// Package server exposes the relay over the network.
//
// A Hub owns every live connection. The WebSocket endpoint (Client) and the
// newline-delimited JSON TCP listener (TCPConn) both implement
// relay.Transport, so the router treats them identically. The HTTP surface
// is served by gin and also carries liveness and Prometheus endpoints.
package server
