// Package transport implements the transport-agnostic session layer
// (spec.md §2 C2, §4.2): a WebSocket listener and a raw TLS-TCP listener
// that satisfy one shared Transport contract.
package transport

import (
	"net"
	"strconv"
)

// portString renders a port number for net.JoinHostPort.
func portString(port int) string {
	return strconv.Itoa(port)
}

// AdmitFunc is consulted by a listener before a connection is handed to the
// engine, implementing spec.md §4.2 "Admission". It receives the remote
// host only — the per-IP vs. global decision lives in the engine (C6
// admit), not in the transport.
type AdmitFunc func(host string) bool

// Events are the callbacks a Transport invokes for connection lifecycle and
// inbound data, matching spec.md §4.2's onConnect/onData/onDisconnect.
// Implementations MUST invoke these only after admission succeeds, and MUST
// invoke OnDisconnect exactly once per accepted connection.
type Events struct {
	OnConnect    func(clientID string, peerAddr net.Addr, transportName string, sender Sender)
	OnData       func(clientID string, data []byte)
	OnDisconnect func(clientID string)
}

// Sender is the per-connection capability a Transport exposes once a
// connection is accepted: non-blocking send and forced close. It mirrors
// session.Sender so a *Client can hold one without importing this package.
type Sender interface {
	Send(clientID string, data []byte) error
	Kill(clientID string, reason string)
}

// Transport unifies the WebSocket and raw TLS-TCP listeners behind one
// capability set (spec.md §9, "Polymorphic transport").
type Transport interface {
	Sender

	// Name identifies the transport in logs and statistics, e.g. "websocket"
	// or "tcp".
	Name() string

	// Start begins accepting connections. Admission and event delivery only
	// begin after Start returns nil.
	Start(admit AdmitFunc, events Events) error

	// Stop closes the listener and all connections it currently holds.
	Stop()

	// Running reports whether Start has succeeded and Stop has not yet been
	// called.
	Running() bool
}
