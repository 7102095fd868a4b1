// Package session implements the per-connection ProxyClient state machine
// (spec.md §3, §4.3).
package session

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// State is the ProxyClient lifecycle state, spec.md §3.
type State int

const (
	Connected State = iota
	Authenticating
	Authenticated
	TunnelConnected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case TunnelConnected:
		return "tunnelConnected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Sender is the capability a Client needs from its owning transport: enqueue
// bytes for delivery and force-close the connection. Satisfied by
// transport.Transport, kept minimal here to avoid an import cycle.
type Sender interface {
	Send(clientID string, data []byte) error
	Kill(clientID string, reason string)
}

// Client is a ProxyClient: per-connection state owned exclusively by the
// engine executor (spec.md §5) from construction until teardown. No exported
// field here is safe for concurrent access from outside the executor
// goroutine; the monitor's statistics are read on the executor as well. Only
// the timer fields are guarded by mu.
type Client struct {
	ID          string
	PeerHost    string
	PeerPort    int
	Transport   Sender
	TransportID string

	CreatedAt         time.Time
	AuthenticatedAt   time.Time
	TunnelConnectedAt time.Time

	State State

	ClientUUID string
	ClientName string

	UserID string
	Nonce  string
	Token  string

	RxBytes uint64
	TxBytes uint64

	// PairedPeerID is the id of the paired Client, resolved through the
	// engine's session table on each use (spec.md §9 — non-owning lookup
	// handle, not a pointer, so the pairing cycle never becomes an
	// ownership cycle).
	PairedPeerID string

	// RequestCounter counts JSON-RPC requests dispatched for this client,
	// incremented by the dispatcher on every successfully routed call. Used
	// for diagnostics only. Request ids are not checked for duplicates: a
	// repeated id replaces the earlier call's pending entry.
	RequestCounter uint64

	inactivityTimer *time.Timer
	idleTunnelTimer *time.Timer
	mu              sync.Mutex
}

// New constructs a Client in state Connected.
func New(id string, peerAddr net.Addr, transport Sender, transportID string) *Client {
	host, port := splitHostPort(peerAddr)
	return &Client{
		ID:          id,
		PeerHost:    host,
		PeerPort:    port,
		Transport:   transport,
		TransportID: transportID,
		CreatedAt:   time.Now(),
		State:       Connected,
	}
}

func splitHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// ArmInactivityTimer (re)starts the authentication-timeout timer described in
// spec.md §4.3. It applies only in Connected/Authenticating; callers are
// responsible for not calling this once the client has tunneled.
func (c *Client) ArmInactivityTimer(d time.Duration, onFire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopInactivityTimerLocked()
	if d <= 0 {
		return
	}
	c.inactivityTimer = time.AfterFunc(d, onFire)
}

// DisarmInactivityTimer stops the authentication-timeout timer, e.g. once
// the client authenticates successfully.
func (c *Client) DisarmInactivityTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopInactivityTimerLocked()
}

func (c *Client) stopInactivityTimerLocked() {
	if c.inactivityTimer != nil {
		c.inactivityTimer.Stop()
		c.inactivityTimer = nil
	}
}

// ArmIdleTunnelTimer (re)starts the relay-inactivity timer described in
// spec.md §4.3. A zero duration disables it, matching spec.md's "Zero means
// disabled".
func (c *Client) ArmIdleTunnelTimer(d time.Duration, onFire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopIdleTunnelTimerLocked()
	if d <= 0 {
		return
	}
	c.idleTunnelTimer = time.AfterFunc(d, onFire)
}

// ResetIdleTunnelTimer restarts the idle timer without changing its
// duration; called whenever bytes flow in either direction.
func (c *Client) ResetIdleTunnelTimer(d time.Duration, onFire func()) {
	c.ArmIdleTunnelTimer(d, onFire)
}

// StopIdleTunnelTimer stops the relay-inactivity timer, e.g. during teardown.
func (c *Client) StopIdleTunnelTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopIdleTunnelTimerLocked()
}

func (c *Client) stopIdleTunnelTimerLocked() {
	if c.idleTunnelTimer != nil {
		c.idleTunnelTimer.Stop()
		c.idleTunnelTimer = nil
	}
}

// StopAllTimers cancels every pending timer, used on teardown (spec.md §5,
// "Cancellation").
func (c *Client) StopAllTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopInactivityTimerLocked()
	c.stopIdleTunnelTimerLocked()
}

// MatchKey identifies the registry bucket this client's credentials belong
// to (spec.md §3, Registry). An empty nonce never matches (spec.md §9, Open
// Question), so MatchKey reports ok=false in that case.
func (c *Client) MatchKey() (key RegistryKey, ok bool) {
	if c.Nonce == "" {
		return RegistryKey{}, false
	}
	return RegistryKey{UserID: c.UserID, Nonce: c.Nonce}, true
}

// RegistryKey is the (userId, nonce) lookup key spec.md §3 describes for the
// Registry. It lives here, not in package registry, so session and registry
// don't need to import each other.
type RegistryKey struct {
	UserID string
	Nonce  string
}
