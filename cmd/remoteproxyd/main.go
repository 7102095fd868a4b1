// Command remoteproxyd is the tunneling proxy daemon (C10): it loads
// configuration, wires the authenticator and engine, exposes the ambient
// /healthz and monitor-socket observers, and installs OS signal/service
// handling so the binary can run in a foreground shell or as an installed
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/nymea-community/remoteproxy/internal/authn"
	"github.com/nymea-community/remoteproxy/internal/config"
	"github.com/nymea-community/remoteproxy/internal/engine"
	"github.com/nymea-community/remoteproxy/internal/health"
	"github.com/nymea-community/remoteproxy/internal/monitor"
)

const (
	serviceName        = "RemoteProxyD"
	serviceDisplayName = "Remote Tunneling Proxy"
	serviceDescription = "Pairs authenticated clients into bidirectional tunnels over WebSocket and raw TCP"
)

// daemon implements kardianos/service.Interface so the same binary installs
// as a systemd unit or a Windows service, mirroring the teacher's host-agent
// service story.
type daemon struct {
	cfg    *config.ProxyConfiguration
	cancel context.CancelFunc
}

func (d *daemon) Start(s service.Service) error {
	go d.run()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *daemon) run() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	defer cancel()

	if err := runDaemon(ctx, d.cfg); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: "+config.DefaultConfigPath+")")
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run"},
	}

	d := &daemon{cfg: cfg}
	svc, err := service.New(d, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed:", serviceName)

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled:", serviceName)

	case *doRun, service.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting remoteproxyd in foreground mode")
		if err := runDaemon(ctx, cfg); err != nil {
			slog.Error("daemon exited with error", "error", err)
			os.Exit(1)
		}

	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

func initLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// runDaemon wires C1-C9 together, starts the engine and ambient observers,
// and blocks until ctx is cancelled (spec.md §4.7, SPEC_FULL.md §4.10).
func runDaemon(ctx context.Context, cfg *config.ProxyConfiguration) error {
	slog.Info("configuration loaded",
		"server_name", cfg.ServerName,
		"websocket_addr", fmt.Sprintf("%s:%d", cfg.WebSocketAddress, cfg.WebSocketPort),
		"tcp_addr", fmt.Sprintf("%s:%d", cfg.TCPAddress, cfg.TCPPort),
		"developer_mode", cfg.DeveloperMode,
	)

	var authenticator authn.Authenticator
	if cfg.AuthenticatorURL != "" {
		var publicKeyPEM []byte
		if cfg.AuthenticatorJWTPublicKeyPath != "" {
			data, err := os.ReadFile(cfg.AuthenticatorJWTPublicKeyPath)
			if err != nil {
				return fmt.Errorf("reading authenticator JWT public key: %w", err)
			}
			publicKeyPEM = data
		}
		remote, err := authn.NewRemoteAuthenticator(cfg.AuthenticatorURL, cfg.JSONRPCTimeout, publicKeyPEM)
		if err != nil {
			return fmt.Errorf("building remote authenticator: %w", err)
		}
		authenticator = remote
	} else {
		slog.Warn("no authenticator_url configured, falling back to an always-mock authenticator")
		authenticator = authn.NewMockAuthenticator()
	}

	e := engine.New(cfg, authenticator)
	if err := e.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	mon := monitor.New(cfg.MonitorSocketPath, func() interface{} { return e.Snapshot() })
	if err := mon.Start(); err != nil {
		return fmt.Errorf("starting monitor socket: %w", err)
	}

	healthRouter := health.NewRouter(func() health.Status {
		return health.Status{
			Running:            e.Running(),
			Uptime:             e.Uptime(),
			WebSocketListening: e.WebSocketRunning(),
			TCPListening:       e.TCPRunning(),
		}
	})
	healthServer := &http.Server{
		Addr:         cfg.HealthAddress,
		Handler:      healthRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = healthServer.Shutdown(shutdownCtx)

	mon.Stop()
	e.Stop()

	slog.Info("remoteproxyd shut down cleanly")
	return nil
}
