package engine

import (
	"time"

	"github.com/nymea-community/remoteproxy/internal/session"
)

// Snapshot computes the statistics described in spec.md §3 "Statistics
// snapshot" and exposed by C8. Like admit, it hops onto the executor and
// blocks the caller (the monitor's accept goroutine) until the snapshot is
// ready, never holding the executor on I/O itself (spec.md §5).
func (e *Engine) Snapshot() Stats {
	result := make(chan Stats, 1)
	e.Post(func() {
		result <- e.snapshotLocked()
	})
	return <-result
}

func (e *Engine) snapshotLocked() Stats {
	s := Stats{
		Uptime:             time.Since(e.startedAt),
		ClientsByState:     map[string]int{},
		ClientsByTransport: map[string]int{},
		TotalAccepted:      e.totalAccepted,
		TotalDisconnected:  e.totalDisconnected,
	}

	tunnels := make(map[string]bool)
	for _, c := range e.clients {
		s.ClientsByState[c.State.String()]++
		s.ClientsByTransport[c.TransportID]++
		s.RxBytesTotal += c.RxBytes
		s.TxBytesTotal += c.TxBytes
		if c.State == session.TunnelConnected && c.PairedPeerID != "" {
			tunnels[pairKey(c.ID, c.PairedPeerID)] = true
		}
	}
	s.TunnelCount = len(tunnels)

	return s
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}
