package transport

import (
	"bytes"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	proxyproto "github.com/pires/go-proxyproto"
)

const tcpSendQueueSize = 64

// TCPConfig configures a raw TLS-TCP Transport.
type TCPConfig struct {
	Address             string
	Port                int
	CertFile            string
	KeyFile             string
	DeveloperMode       bool
	MaxFrameBufferBytes int
	TrustProxyProtocol  bool
}

type tcpConn struct {
	id     string
	conn   net.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// TCPTransport implements Transport over a raw TCP (optionally TLS)
// connection, framing JSON-RPC messages as UTF-8 JSON terminated by a
// single '\n' (spec.md §4.2). It wraps the listener with PROXY protocol
// support (github.com/pires/go-proxyproto) so peerAddress reflects the real
// client when deployed behind a TCP load balancer.
type TCPTransport struct {
	cfg TCPConfig

	listener net.Listener

	admit  AdmitFunc
	events Events

	mu      sync.Mutex
	conns   map[string]*tcpConn
	running bool
}

// NewTCPTransport builds a TCPTransport from cfg.
func NewTCPTransport(cfg TCPConfig) *TCPTransport {
	if cfg.MaxFrameBufferBytes <= 0 {
		cfg.MaxFrameBufferBytes = 64 * 1024
	}
	return &TCPTransport{
		cfg:   cfg,
		conns: make(map[string]*tcpConn),
	}
}

func (t *TCPTransport) Name() string { return "tcp" }

// Start implements Transport.
func (t *TCPTransport) Start(admit AdmitFunc, events Events) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.admit = admit
	t.events = events
	t.mu.Unlock()

	addr := net.JoinHostPort(t.cfg.Address, portString(t.cfg.Port))

	var ln net.Listener
	var err error
	if t.cfg.DeveloperMode {
		ln, err = net.Listen("tcp", addr)
	} else {
		cert, cerr := tls.LoadX509KeyPair(t.cfg.CertFile, t.cfg.KeyFile)
		if cerr != nil {
			return cerr
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	if err != nil {
		return err
	}

	if t.cfg.TrustProxyProtocol {
		ln = &proxyproto.Listener{
			Listener: ln,
			Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
				return proxyproto.USE, nil
			},
		}
	}
	t.listener = ln

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	go t.acceptLoop()

	slog.Info("tcp transport listening", "addr", addr, "developer_mode", t.cfg.DeveloperMode, "proxy_protocol", t.cfg.TrustProxyProtocol)
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			running := t.running
			t.mu.Unlock()
			if !running {
				return
			}
			slog.Warn("tcp transport: accept error", "error", err)
			continue
		}
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	remoteAddr := conn.RemoteAddr()
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		host = remoteAddr.String()
	}

	t.mu.Lock()
	admit := t.admit
	events := t.events
	t.mu.Unlock()

	if admit != nil && !admit(host) {
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	tc := &tcpConn{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, tcpSendQueueSize),
		closed: make(chan struct{}),
	}

	t.mu.Lock()
	t.conns[id] = tc
	t.mu.Unlock()

	go t.writeLoop(tc)

	if events.OnConnect != nil {
		events.OnConnect(id, remoteAddr, t.Name(), t)
	}

	t.readFrames(tc, events)

	t.removeConn(id)
	if events.OnDisconnect != nil {
		events.OnDisconnect(id)
	}
}

// readFrames reads from tc.conn, splitting on '\n', and delivers one
// onData call per framed message. A buffered unterminated prefix beyond
// MaxFrameBufferBytes kills the connection (spec.md §4.2).
func (t *TCPTransport) readFrames(tc *tcpConn, events Events) {
	buf := make([]byte, 4096)
	var pending bytes.Buffer

	for {
		n, err := tc.conn.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			for {
				chunk := pending.Bytes()
				idx := bytes.IndexByte(chunk, '\n')
				if idx < 0 {
					break
				}
				frame := make([]byte, idx)
				copy(frame, chunk[:idx])
				pending.Next(idx + 1)
				if events.OnData != nil {
					events.OnData(tc.id, frame)
				}
			}
			if pending.Len() > t.cfg.MaxFrameBufferBytes {
				slog.Warn("tcp transport: frame buffer exceeded, killing connection", "client_id", tc.id, "buffered", pending.Len())
				t.Kill(tc.id, "frame buffer exceeded")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *TCPTransport) writeLoop(tc *tcpConn) {
	defer tc.conn.Close()
	for {
		// Give an already-queued send priority over a concurrent Kill, so a
		// response enqueued just before a kill is still flushed
		// (spec.md §4.4 rule 7: "terminated after the error response is
		// flushed").
		select {
		case data, ok := <-tc.send:
			if !ok {
				return
			}
			if !writeFramed(tc.conn, data) {
				return
			}
			continue
		default:
		}

		select {
		case data, ok := <-tc.send:
			if !ok {
				return
			}
			if !writeFramed(tc.conn, data) {
				return
			}
		case <-tc.closed:
			return
		}
	}
}

func writeFramed(conn net.Conn, data []byte) bool {
	framed := append(append([]byte{}, data...), '\n')
	_, err := conn.Write(framed)
	return err == nil
}

func (t *TCPTransport) removeConn(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Send implements Sender: enqueues data, trailing it with '\n' on the wire.
func (t *TCPTransport) Send(clientID string, data []byte) error {
	t.mu.Lock()
	tc, ok := t.conns[clientID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case tc.send <- data:
		return nil
	default:
		t.Kill(clientID, "send buffer overflow")
		return nil
	}
}

// Kill implements Sender.
func (t *TCPTransport) Kill(clientID string, reason string) {
	t.mu.Lock()
	tc, ok := t.conns[clientID]
	t.mu.Unlock()
	if !ok {
		return
	}

	tc.once.Do(func() {
		slog.Info("tcp transport: killing connection", "client_id", clientID, "reason", reason)
		close(tc.closed)
		// writeLoop flushes what is already queued and then closes the
		// socket; the deadline bounds that flush when the peer is stuck.
		_ = tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	})
}

// Stop implements Transport.
func (t *TCPTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	conns := make([]*tcpConn, 0, len(t.conns))
	for _, tc := range t.conns {
		conns = append(conns, tc)
	}
	t.mu.Unlock()

	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, tc := range conns {
		t.Kill(tc.id, "Server shutting down")
	}
}

// Running implements Transport.
func (t *TCPTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
