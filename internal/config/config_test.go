package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsInDeveloperMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("developer_mode: true\n"), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.WebSocketPort != 443 {
		t.Errorf("expected default websocket_port 443, got %d", cfg.WebSocketPort)
	}
	if cfg.MaxConnections != 10000 {
		t.Errorf("expected default max_connections 10000, got %d", cfg.MaxConnections)
	}
	if !cfg.DeveloperMode {
		t.Errorf("expected developer_mode true")
	}
}

func TestLoadRequiresTLSMaterialOutsideDeveloperMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server_name: test\n"), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error without TLS material")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("developer_mode: true\n"), 0o600); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}

	t.Setenv("REMOTEPROXY_WEBSOCKET_PORT", "9443")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.WebSocketPort != 9443 {
		t.Errorf("expected env override to set websocket_port=9443, got %d", cfg.WebSocketPort)
	}
}
