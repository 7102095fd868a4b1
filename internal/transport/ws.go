package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingInterval  = 30 * time.Second
	wsSendQueueSize = 64
)

// WSConfig configures a WebSocket Transport.
type WSConfig struct {
	Address         string
	Port            int
	CertFile        string
	KeyFile         string
	DeveloperMode   bool
	MaxMessageBytes int64
}

// wsConn is one accepted WebSocket connection.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

// WSTransport implements Transport over WebSocket using gorilla/websocket,
// routed through gorilla/mux the way the teacher composes its HTTP API
// (apps/gateway/src/api.go's NewAPIRouter).
type WSTransport struct {
	cfg WSConfig

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	admit  AdmitFunc
	events Events

	mu      sync.Mutex
	conns   map[string]*wsConn
	running bool
}

// NewWSTransport builds a WSTransport from cfg.
func NewWSTransport(cfg WSConfig) *WSTransport {
	t := &WSTransport{
		cfg:   cfg,
		conns: make(map[string]*wsConn),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		CheckOrigin:     checkOrigin(cfg.DeveloperMode),
	}
	return t
}

// checkOrigin implements the handshake's Origin policy (developer mode's
// looser origin checks, SPEC_FULL.md §3): the primary counterparty is a native client, which never
// sends an Origin header at all, so an absent header is always allowed.
// Developer mode loosens further by accepting any Origin (for browser-based
// debugging tools); without it, a present Origin must match the request
// Host, matching gorilla's own same-origin default.
func checkOrigin(developerMode bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if developerMode {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	}
}

func (t *WSTransport) Name() string { return "websocket" }

// Start implements Transport.
func (t *WSTransport) Start(admit AdmitFunc, events Events) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.admit = admit
	t.events = events
	t.mu.Unlock()

	router := mux.NewRouter()
	router.HandleFunc("/", t.handleUpgrade)

	t.server = &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // long-lived connections
		IdleTimeout:  60 * time.Second,
	}

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
	t.listener = ln

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("websocket transport: serve error", "error", err)
		}
	}()

	slog.Info("websocket transport listening", "addr", addr, "developer_mode", t.cfg.DeveloperMode)
	return nil
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	t.mu.Lock()
	admit := t.admit
	t.mu.Unlock()

	if admit != nil && !admit(host) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket transport: upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if t.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(t.cfg.MaxMessageBytes)
	}

	id := uuid.NewString()
	wc := &wsConn{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, wsSendQueueSize),
		closed: make(chan struct{}),
	}

	t.mu.Lock()
	t.conns[id] = wc
	t.mu.Unlock()

	remoteAddr := conn.RemoteAddr()

	go t.writeLoop(wc)
	go t.readLoop(wc, remoteAddr)
}

func (t *WSTransport) readLoop(wc *wsConn, remoteAddr net.Addr) {
	conn := wc.conn
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	t.mu.Lock()
	events := t.events
	t.mu.Unlock()

	if events.OnConnect != nil {
		events.OnConnect(wc.id, remoteAddr, t.Name(), t)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if events.OnData != nil {
			events.OnData(wc.id, message)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}

	t.removeConn(wc.id)
	if events.OnDisconnect != nil {
		events.OnDisconnect(wc.id)
	}
}

func (t *WSTransport) writeLoop(wc *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer wc.conn.Close()

	for {
		// Give an already-queued send priority over a concurrent Kill, so a
		// response enqueued just before a kill is still flushed
		// (spec.md §4.4 rule 7: "terminated after the error response is
		// flushed").
		select {
		case data, ok := <-wc.send:
			if !ok {
				return
			}
			if !wc.write(data) {
				return
			}
			continue
		default:
		}

		select {
		case data, ok := <-wc.send:
			if !ok {
				return
			}
			if !wc.write(data) {
				return
			}
		case <-ticker.C:
			_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-wc.closed:
			return
		}
	}
}

func (wc *wsConn) write(data []byte) bool {
	_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return wc.conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (t *WSTransport) removeConn(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, id)
}

// Send implements Sender. The write queue is per-connection and bounded; a
// full queue indicates a stuck peer and is treated as a kill, matching
// spec.md §5's "non-blocking from the caller's point of view".
func (t *WSTransport) Send(clientID string, data []byte) error {
	t.mu.Lock()
	wc, ok := t.conns[clientID]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case wc.send <- data:
		return nil
	default:
		t.Kill(clientID, "send buffer overflow")
		return nil
	}
}

// Kill implements Sender.
func (t *WSTransport) Kill(clientID string, reason string) {
	t.mu.Lock()
	wc, ok := t.conns[clientID]
	t.mu.Unlock()
	if !ok {
		return
	}

	wc.once.Do(func() {
		slog.Info("websocket transport: killing connection", "client_id", clientID, "reason", reason)
		// writeLoop flushes what is already queued and then closes the
		// socket; each write carries wsWriteTimeout as its deadline.
		close(wc.closed)
	})
}

// Stop implements Transport.
func (t *WSTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	conns := make([]*wsConn, 0, len(t.conns))
	for _, wc := range t.conns {
		conns = append(conns, wc)
	}
	t.mu.Unlock()

	for _, wc := range conns {
		t.Kill(wc.id, "Server shutting down")
	}

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(ctx)
	}
}

// Running implements Transport.
func (t *WSTransport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
