// Package engine wires C1–C6 together and implements C7, the engine
// lifecycle described in spec.md §4.7: a single logical executor goroutine
// (spec.md §5) that owns the registry, every session.Client, and all
// connection timers, reached from transport and timer goroutines only by
// posting closures.
package engine

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nymea-community/remoteproxy/internal/authn"
	"github.com/nymea-community/remoteproxy/internal/config"
	"github.com/nymea-community/remoteproxy/internal/registry"
	"github.com/nymea-community/remoteproxy/internal/rpc"
	"github.com/nymea-community/remoteproxy/internal/rpcapi"
	"github.com/nymea-community/remoteproxy/internal/session"
	"github.com/nymea-community/remoteproxy/internal/transport"
)

// ServerSoftware and APIVersion are the static identity RemoteProxy.Hello
// reports (spec.md §4.5, §6).
const (
	ServerSoftware = "remoteproxyd"
	APIVersion     = "1.0"
)

// Version is the build version reported by RemoteProxy.Hello. Overridden at
// link time by -ldflags in release builds; "dev" otherwise.
var Version = "dev"

// Stats is the read-only snapshot described in spec.md §3, "Statistics
// snapshot" and exposed over the monitor socket (C8).
type Stats struct {
	Uptime             time.Duration
	ClientsByState     map[string]int
	ClientsByTransport map[string]int
	TunnelCount        int
	RxBytesTotal       uint64
	TxBytesTotal       uint64
	TotalAccepted      uint64
	TotalDisconnected  uint64
}

// Engine owns the whole server side of the tunneling proxy: both
// transports, the dispatcher, the registry, and every connected client.
type Engine struct {
	cfg           *config.ProxyConfiguration
	authenticator authn.Authenticator

	wsTransport  transport.Transport
	tcpTransport transport.Transport
	dispatcher   *rpc.Dispatcher
	registry     *registry.Registry
	clients      map[string]*session.Client

	cmds     chan func()
	tickStop chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	startedAt   time.Time

	totalAccepted     uint64
	totalDisconnected uint64
}

// New builds an Engine bound to cfg and authenticator. Start must be called
// before it accepts connections.
func New(cfg *config.ProxyConfiguration, authenticator authn.Authenticator) *Engine {
	return &Engine{cfg: cfg, authenticator: authenticator}
}

// Running reports whether Start has succeeded and Stop has not yet run.
func (e *Engine) Running() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.running
}

// Uptime reports how long the engine has been running; zero before Start.
func (e *Engine) Uptime() time.Duration {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.running {
		return 0
	}
	return time.Since(e.startedAt)
}

// WebSocketRunning reports whether the WebSocket listener is currently
// accepting connections, for the ambient /healthz endpoint.
func (e *Engine) WebSocketRunning() bool {
	return e.wsTransport != nil && e.wsTransport.Running()
}

// TCPRunning reports whether the TCP listener is currently accepting
// connections, for the ambient /healthz endpoint.
func (e *Engine) TCPRunning() bool {
	return e.tcpTransport != nil && e.tcpTransport.Running()
}

// Post schedules fn to run on the engine executor goroutine. Safe to call
// from any goroutine, including before Start (in which case fn is dropped,
// matching the executor not existing yet).
func (e *Engine) Post(fn func()) {
	e.lifecycleMu.Lock()
	cmds := e.cmds
	e.lifecycleMu.Unlock()
	if cmds == nil {
		return
	}
	cmds <- fn
}

// Start implements spec.md §4.7: idempotent while already running,
// instantiates the registry/dispatcher, starts both listeners, and arms the
// 1-second tick.
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	if e.running {
		e.lifecycleMu.Unlock()
		slog.Warn("engine: start called while already running")
		return nil
	}
	e.cmds = make(chan func(), 256)
	e.running = true
	e.startedAt = time.Now()
	e.lifecycleMu.Unlock()

	go e.runExecutor()

	e.dispatcher = rpc.New(e.cfg.JSONRPCTimeout, e.Post)
	e.dispatcher.OnTimeout(e.onCallTimeout)
	e.registry = registry.New()
	e.clients = make(map[string]*session.Client)

	var authenticator authn.Authenticator = e.authenticator
	if authenticator == nil {
		authenticator = authn.NewMockAuthenticator()
	}

	rpcapi.Register(e.dispatcher, rpcapi.Dependencies{
		Post:                  e.Post,
		Authenticator:         authenticator,
		ServerSoftware:        ServerSoftware,
		ServerName:            e.cfg.ServerName,
		Version:               Version,
		APIVersion:            APIVersion,
		OnAuthenticateSuccess: e.onAuthenticateSuccess,
	})

	events := transport.Events{
		OnConnect:    e.onConnect,
		OnData:       e.onData,
		OnDisconnect: e.onDisconnect,
	}

	e.wsTransport = transport.NewWSTransport(transport.WSConfig{
		Address:       e.cfg.WebSocketAddress,
		Port:          e.cfg.WebSocketPort,
		CertFile:      e.cfg.WebSocketCert,
		KeyFile:       e.cfg.WebSocketKey,
		DeveloperMode: e.cfg.DeveloperMode,
	})
	e.tcpTransport = transport.NewTCPTransport(transport.TCPConfig{
		Address:             e.cfg.TCPAddress,
		Port:                e.cfg.TCPPort,
		CertFile:            e.cfg.TCPCert,
		KeyFile:             e.cfg.TCPKey,
		DeveloperMode:       e.cfg.DeveloperMode,
		MaxFrameBufferBytes: e.cfg.MaxFrameBufferBytes,
		TrustProxyProtocol:  e.cfg.TrustProxyProtocol,
	})

	abort := func(err error) error {
		e.wsTransport.Stop()
		e.lifecycleMu.Lock()
		e.running = false
		close(e.cmds)
		e.cmds = nil
		e.lifecycleMu.Unlock()
		return err
	}
	if err := e.wsTransport.Start(e.admit, events); err != nil {
		return abort(fmt.Errorf("starting websocket transport: %w", err))
	}
	if err := e.tcpTransport.Start(e.admit, events); err != nil {
		return abort(fmt.Errorf("starting tcp transport: %w", err))
	}

	e.tickStop = make(chan struct{})
	go e.tickLoop()

	slog.Info("engine started",
		"websocket_addr", net.JoinHostPort(e.cfg.WebSocketAddress, itoa(e.cfg.WebSocketPort)),
		"tcp_addr", net.JoinHostPort(e.cfg.TCPAddress, itoa(e.cfg.TCPPort)),
		"developer_mode", e.cfg.DeveloperMode,
	)
	return nil
}

// Stop implements spec.md §4.7: closes both listeners, kills every session
// with reason "Server shutting down", clears the registry, and marks
// running=false. A second call is a no-op.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	if !e.running {
		e.lifecycleMu.Unlock()
		slog.Warn("engine: stop called while already stopped")
		return
	}
	e.running = false
	e.lifecycleMu.Unlock()

	close(e.tickStop)

	if e.wsTransport != nil {
		e.wsTransport.Stop()
	}
	if e.tcpTransport != nil {
		e.tcpTransport.Stop()
	}

	done := make(chan struct{})
	e.Post(func() {
		for _, c := range e.clients {
			c.StopAllTimers()
		}
		e.clients = make(map[string]*session.Client)
		e.registry = registry.New()
		close(done)
	})
	<-done

	e.lifecycleMu.Lock()
	close(e.cmds)
	e.cmds = nil
	e.lifecycleMu.Unlock()

	slog.Info("engine stopped")
}

func (e *Engine) runExecutor() {
	for fn := range e.cmds {
		fn()
	}
}

func (e *Engine) tickLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Post(e.onTick)
		case <-e.tickStop:
			return
		}
	}
}

// onTick runs on the executor once per second (spec.md §4.7). Per-connection
// eviction uses real time.AfterFunc timers (session.Client's inactivity and
// idle-tunnel timers) rather than a manual scan here — the tick's remaining
// job is the uptime/statistics heartbeat.
func (e *Engine) onTick() {
	slog.Debug("engine tick", "uptime", time.Since(e.startedAt), "clients", len(e.clients))
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
