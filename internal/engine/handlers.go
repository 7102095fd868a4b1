package engine

import (
	"encoding/json"
	"net"
	"time"

	"github.com/nymea-community/remoteproxy/internal/rpc"
	"github.com/nymea-community/remoteproxy/internal/rpcapi"
	"github.com/nymea-community/remoteproxy/internal/session"
	"github.com/nymea-community/remoteproxy/internal/transport"
)

// admit implements spec.md §4.6's cap enforcement, consulted by a transport
// before onConnect fires externally. It runs on the calling transport
// goroutine but evaluates against executor-owned state, so the check itself
// is marshalled onto the executor and awaited synchronously.
func (e *Engine) admit(host string) bool {
	result := make(chan bool, 1)
	e.Post(func() {
		result <- e.admitLocked(host)
	})
	return <-result
}

func (e *Engine) admitLocked(host string) bool {
	if len(e.clients) >= e.cfg.MaxConnections {
		return false
	}
	perIP := 0
	for _, c := range e.clients {
		if c.PeerHost == host {
			perIP++
		}
	}
	return perIP < e.cfg.MaxConnectionsPerIP
}

func (e *Engine) onConnect(clientID string, peerAddr net.Addr, transportName string, sender transport.Sender) {
	e.Post(func() {
		c := session.New(clientID, peerAddr, sender, transportName)
		e.clients[clientID] = c
		e.totalAccepted++

		c.ArmInactivityTimer(e.cfg.AuthenticationTimeout, func() {
			e.Post(func() { e.onAuthTimeout(clientID) })
		})
	})
}

func (e *Engine) onAuthTimeout(clientID string) {
	c, ok := e.clients[clientID]
	if !ok {
		return
	}
	if c.State == session.Connected || c.State == session.Authenticating {
		c.Transport.Kill(c.ID, "Authentication timed out")
	}
}

func (e *Engine) onData(clientID string, data []byte) {
	e.Post(func() {
		c, ok := e.clients[clientID]
		if !ok {
			return
		}
		if c.State == session.TunnelConnected {
			e.relay(c, data)
			return
		}
		e.dispatcher.Dispatch(c, data)
	})
}

// relay forwards bytes verbatim to c's paired peer without JSON parsing
// (spec.md I5, §4.6 step 4) and resets the idle-tunnel timer on both sides.
func (e *Engine) relay(c *session.Client, data []byte) {
	peer, ok := e.clients[c.PairedPeerID]
	if !ok {
		return
	}

	c.RxBytes += uint64(len(data))
	peer.TxBytes += uint64(len(data))
	_ = peer.Transport.Send(peer.ID, data)

	d := e.cfg.RelayInactivityTimeout
	c.ResetIdleTunnelTimer(d, func() { e.Post(func() { e.onIdleTimeout(c.ID) }) })
	peer.ResetIdleTunnelTimer(d, func() { e.Post(func() { e.onIdleTimeout(peer.ID) }) })
}

func (e *Engine) onIdleTimeout(clientID string) {
	c, ok := e.clients[clientID]
	if !ok {
		return
	}
	if c.State == session.TunnelConnected {
		c.Transport.Kill(c.ID, "Tunnel idle timeout")
	}
}

func (e *Engine) onCallTimeout(clientID string, id int) {
	c, ok := e.clients[clientID]
	if !ok {
		// Client already disconnected; DiscardClient already dropped the
		// pending entry, so this path is defensive, not load-bearing.
		return
	}
	if data, err := json.Marshal(rpc.Response{ID: id, Status: "error", Error: "Command timed out"}); err == nil {
		_ = c.Transport.Send(c.ID, data)
	}
	c.Transport.Kill(c.ID, "Command timed out")
}

func (e *Engine) onDisconnect(clientID string) {
	e.Post(func() {
		c, ok := e.clients[clientID]
		if !ok {
			return
		}
		e.teardown(c)
	})
}

// teardown implements spec.md §4.6 "Teardown": clears pairedPeer on both
// sides, kills the surviving peer, and removes c from the registry/table.
func (e *Engine) teardown(c *session.Client) {
	c.StopAllTimers()
	e.dispatcher.DiscardClient(c.ID)
	e.registry.Remove(c)

	if c.State == session.TunnelConnected && c.PairedPeerID != "" {
		peerID := c.PairedPeerID
		c.PairedPeerID = ""
		if peer, ok := e.clients[peerID]; ok {
			peer.PairedPeerID = ""
			peer.Transport.Kill(peer.ID, "Tunnel closed by peer")
		}
	}

	// Marks c as gone for handlers still holding it, e.g. a late
	// authenticator reply (see rpcapi's Authenticating check).
	c.State = session.Disconnecting
	delete(e.clients, c.ID)
	e.totalDisconnected++
}

// onAuthenticateSuccess implements spec.md §4.6 steps 1-3: look up the
// (userId, nonce) bucket, pair against a same-token waiter if one exists,
// otherwise become the waiter.
func (e *Engine) onAuthenticateSuccess(c *session.Client) {
	key, ok := c.MatchKey()
	if !ok {
		// Empty nonce never matches (spec.md §9 Open Question) — the client
		// stays Authenticated but is never inserted into the registry and can
		// never tunnel. No timer applies to it: the inactivity timer was
		// disarmed on authentication and the idle-tunnel timer is only armed
		// on pairing, so it stays until it disconnects or the engine stops.
		return
	}

	if match := e.registry.FindMatch(key, c.Token, c); match != nil {
		e.registry.Remove(match)
		e.pair(c, match)
		return
	}

	e.registry.Insert(c)
}

func (e *Engine) pair(a, b *session.Client) {
	a.PairedPeerID = b.ID
	b.PairedPeerID = a.ID

	a.State = session.TunnelConnected
	b.State = session.TunnelConnected

	now := time.Now()
	a.TunnelConnectedAt = now
	b.TunnelConnectedAt = now

	_ = rpcapi.SendTunnelEstablished(a, b.ClientName, b.ClientUUID)
	_ = rpcapi.SendTunnelEstablished(b, a.ClientName, a.ClientUUID)

	d := e.cfg.RelayInactivityTimeout
	a.ArmIdleTunnelTimer(d, func() { e.Post(func() { e.onIdleTimeout(a.ID) }) })
	b.ArmIdleTunnelTimer(d, func() { e.Post(func() { e.onIdleTimeout(b.ID) }) })
}
