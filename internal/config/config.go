// Package config loads and validates the remote proxy's configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultConfigPath is the default location for the proxy configuration file.
const DefaultConfigPath = "/etc/nymea-remoteproxy/config.yaml"

// ProxyConfiguration is the immutable-after-load configuration consumed by
// the engine. Nothing downstream of Load mutates it.
type ProxyConfiguration struct {
	ServerName string `mapstructure:"server_name" yaml:"server_name"`

	WebSocketAddress string `mapstructure:"websocket_address" yaml:"websocket_address"`
	WebSocketPort    int    `mapstructure:"websocket_port" yaml:"websocket_port"`
	WebSocketCert    string `mapstructure:"websocket_cert" yaml:"websocket_cert"`
	WebSocketKey     string `mapstructure:"websocket_key" yaml:"websocket_key"`

	TCPAddress string `mapstructure:"tcp_address" yaml:"tcp_address"`
	TCPPort    int    `mapstructure:"tcp_port" yaml:"tcp_port"`
	TCPCert    string `mapstructure:"tcp_cert" yaml:"tcp_cert"`
	TCPKey     string `mapstructure:"tcp_key" yaml:"tcp_key"`

	MonitorSocketPath string `mapstructure:"monitor_socket_path" yaml:"monitor_socket_path"`
	HealthAddress     string `mapstructure:"health_address" yaml:"health_address"`

	JSONRPCTimeout         time.Duration `mapstructure:"json_rpc_timeout" yaml:"json_rpc_timeout"`
	AuthenticationTimeout  time.Duration `mapstructure:"authentication_timeout" yaml:"authentication_timeout"`
	RelayInactivityTimeout time.Duration `mapstructure:"relay_inactivity_timeout" yaml:"relay_inactivity_timeout"`

	MaxConnectionsPerIP int `mapstructure:"max_connections_per_ip" yaml:"max_connections_per_ip"`
	MaxConnections      int `mapstructure:"max_connections" yaml:"max_connections"`

	MaxFrameBufferBytes int `mapstructure:"max_frame_buffer_bytes" yaml:"max_frame_buffer_bytes"`

	LogFilePath string `mapstructure:"log_file_path" yaml:"log_file_path"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	// DeveloperMode disables TLS and relaxes WebSocket origin checks. Only
	// meant for local testing.
	DeveloperMode bool `mapstructure:"developer_mode" yaml:"developer_mode"`

	// TrustProxyProtocol enables PROXY protocol v1/v2 parsing on the TCP
	// listener so peerAddress reflects the real client behind a TCP load
	// balancer. Connections without a header are still accepted.
	TrustProxyProtocol bool `mapstructure:"trust_proxy_protocol" yaml:"trust_proxy_protocol"`

	// AuthenticatorURL is the base URL of the remote identity provider used
	// by authn.RemoteAuthenticator. Empty means the caller wires a different
	// authn.Authenticator implementation (e.g. for tests).
	AuthenticatorURL string `mapstructure:"authenticator_url" yaml:"authenticator_url"`

	// AuthenticatorJWTPublicKeyPath, if set, points at a PEM-encoded public
	// key used to check a corroborating signed assertion from the identity
	// provider's response.
	AuthenticatorJWTPublicKeyPath string `mapstructure:"authenticator_jwt_public_key_path" yaml:"authenticator_jwt_public_key_path"`
}

// DefaultConfiguration returns a ProxyConfiguration populated with the
// defaults named in spec.md §6.
func DefaultConfiguration() *ProxyConfiguration {
	return &ProxyConfiguration{
		ServerName:             "nymea-remoteproxy",
		WebSocketAddress:       "0.0.0.0",
		WebSocketPort:          443,
		TCPAddress:             "0.0.0.0",
		TCPPort:                1212,
		MonitorSocketPath:      "/tmp/nymea-remoteproxy-monitor.sock",
		HealthAddress:          "127.0.0.1:8181",
		JSONRPCTimeout:         10 * time.Second,
		AuthenticationTimeout:  20 * time.Second,
		RelayInactivityTimeout: 0,
		MaxConnectionsPerIP:    10,
		MaxConnections:         10000,
		MaxFrameBufferBytes:    64 * 1024,
		LogLevel:               "info",
	}
}

// Load reads configuration from the given file path, falling back to
// DefaultConfigPath when empty, and overrides with REMOTEPROXY_* environment
// variables. Missing config files are not fatal: defaults plus env
// overrides are still validated and returned.
func Load(configPath string) (*ProxyConfiguration, error) {
	def := DefaultConfiguration()

	v := viper.New()

	v.SetDefault("server_name", def.ServerName)
	v.SetDefault("websocket_address", def.WebSocketAddress)
	v.SetDefault("websocket_port", def.WebSocketPort)
	v.SetDefault("tcp_address", def.TCPAddress)
	v.SetDefault("tcp_port", def.TCPPort)
	v.SetDefault("monitor_socket_path", def.MonitorSocketPath)
	v.SetDefault("health_address", def.HealthAddress)
	v.SetDefault("json_rpc_timeout", def.JSONRPCTimeout)
	v.SetDefault("authentication_timeout", def.AuthenticationTimeout)
	v.SetDefault("relay_inactivity_timeout", def.RelayInactivityTimeout)
	v.SetDefault("max_connections_per_ip", def.MaxConnectionsPerIP)
	v.SetDefault("max_connections", def.MaxConnections)
	v.SetDefault("max_frame_buffer_bytes", def.MaxFrameBufferBytes)
	v.SetDefault("log_level", def.LogLevel)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix("REMOTEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"server_name":                      "REMOTEPROXY_SERVER_NAME",
		"websocket_address":                "REMOTEPROXY_WEBSOCKET_ADDRESS",
		"websocket_port":                   "REMOTEPROXY_WEBSOCKET_PORT",
		"websocket_cert":                   "REMOTEPROXY_WEBSOCKET_CERT",
		"websocket_key":                    "REMOTEPROXY_WEBSOCKET_KEY",
		"tcp_address":                      "REMOTEPROXY_TCP_ADDRESS",
		"tcp_port":                         "REMOTEPROXY_TCP_PORT",
		"tcp_cert":                         "REMOTEPROXY_TCP_CERT",
		"tcp_key":                          "REMOTEPROXY_TCP_KEY",
		"monitor_socket_path":              "REMOTEPROXY_MONITOR_SOCKET_PATH",
		"health_address":                   "REMOTEPROXY_HEALTH_ADDRESS",
		"json_rpc_timeout":                 "REMOTEPROXY_JSON_RPC_TIMEOUT",
		"authentication_timeout":           "REMOTEPROXY_AUTHENTICATION_TIMEOUT",
		"relay_inactivity_timeout":         "REMOTEPROXY_RELAY_INACTIVITY_TIMEOUT",
		"max_connections_per_ip":           "REMOTEPROXY_MAX_CONNECTIONS_PER_IP",
		"max_connections":                  "REMOTEPROXY_MAX_CONNECTIONS",
		"max_frame_buffer_bytes":           "REMOTEPROXY_MAX_FRAME_BUFFER_BYTES",
		"log_file_path":                    "REMOTEPROXY_LOG_FILE_PATH",
		"log_level":                        "REMOTEPROXY_LOG_LEVEL",
		"developer_mode":                   "REMOTEPROXY_DEVELOPER_MODE",
		"trust_proxy_protocol":             "REMOTEPROXY_TRUST_PROXY_PROTOCOL",
		"authenticator_url":                "REMOTEPROXY_AUTHENTICATOR_URL",
		"authenticator_jwt_public_key_path": "REMOTEPROXY_AUTHENTICATOR_JWT_PUBLIC_KEY_PATH",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &ProxyConfiguration{}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func validate(cfg *ProxyConfiguration) error {
	if cfg.WebSocketPort < 1 || cfg.WebSocketPort > 65535 {
		return fmt.Errorf("websocket_port must be between 1 and 65535, got %d", cfg.WebSocketPort)
	}
	if cfg.TCPPort < 1 || cfg.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", cfg.TCPPort)
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("max_connections_per_ip must be positive")
	}
	if !cfg.DeveloperMode {
		if cfg.WebSocketCert == "" || cfg.WebSocketKey == "" {
			return fmt.Errorf("websocket_cert and websocket_key are required outside developer_mode")
		}
		if cfg.TCPCert == "" || cfg.TCPKey == "" {
			return fmt.Errorf("tcp_cert and tcp_key are required outside developer_mode")
		}
	}
	return nil
}
