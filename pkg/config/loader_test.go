package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoader_Load(t *testing.T) {
	path := writeConfig(t, `
supervision_urls:
  - ws://localhost:8180/steve/websocket/CentralSystemService
station_template_urls:
  - file: templates/acme.json
    number_of_stations: 3
worker:
  mode: staticPool
  pool_max_size: 8
ui_server:
  enabled: true
  port: 9090
`)
	cfg, err := NewLoader(path, zap.NewNop()).Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(cfg.SupervisionUrls) != 1 {
		t.Fatalf("expected 1 supervision url, got %d", len(cfg.SupervisionUrls))
	}
	if len(cfg.StationTemplateUrls) != 1 || cfg.StationTemplateUrls[0].NumberOfStations != 3 {
		t.Errorf("expected one template with 3 stations, got %+v", cfg.StationTemplateUrls)
	}
	if cfg.Worker.Mode != WorkerModeStaticPool {
		t.Errorf("expected worker mode '%s', got '%s'", WorkerModeStaticPool, cfg.Worker.Mode)
	}
	if cfg.Worker.PoolMaxSize != 8 {
		t.Errorf("expected pool max size 8, got %d", cfg.Worker.PoolMaxSize)
	}
	if !cfg.UIServer.Enabled || cfg.UIServer.Port != 9090 {
		t.Errorf("expected UI server enabled on 9090, got %+v", cfg.UIServer)
	}
}

func TestLoader_Load_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "{}\n")
	cfg, err := NewLoader(path, zap.NewNop()).Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.SupervisionURLDistribution != DistributionChargingStationAffinity {
		t.Errorf("expected default distribution '%s', got '%s'",
			DistributionChargingStationAffinity, cfg.SupervisionURLDistribution)
	}
	if cfg.AutoReconnectMaxRetries != -1 {
		t.Errorf("expected unlimited reconnects by default, got %d", cfg.AutoReconnectMaxRetries)
	}
	if cfg.Worker.Mode != WorkerModeSet {
		t.Errorf("expected default worker mode '%s', got '%s'", WorkerModeSet, cfg.Worker.Mode)
	}
	if cfg.UIServer.ApplicationProtocol != ProtocolWS {
		t.Errorf("expected default protocol '%s', got '%s'", ProtocolWS, cfg.UIServer.ApplicationProtocol)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got '%s'", cfg.Log.Level)
	}
}

func TestLoader_Load_TranslatesDeprecatedKeys(t *testing.T) {
	path := writeConfig(t, `
supervisionURLs:
  - ws://legacy:8180/ocpp
`)
	cfg, err := NewLoader(path, zap.NewNop()).Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(cfg.SupervisionUrls) != 1 || cfg.SupervisionUrls[0] != "ws://legacy:8180/ocpp" {
		t.Errorf("expected the deprecated key to be honored, got %v", cfg.SupervisionUrls)
	}
}

func TestLoader_Load_NewKeyWinsOverDeprecated(t *testing.T) {
	path := writeConfig(t, `
supervisionURLs:
  - ws://legacy:8180/ocpp
supervision_urls:
  - ws://current:8180/ocpp
`)
	cfg, err := NewLoader(path, zap.NewNop()).Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(cfg.SupervisionUrls) != 1 || cfg.SupervisionUrls[0] != "ws://current:8180/ocpp" {
		t.Errorf("expected the current key to win, got %v", cfg.SupervisionUrls)
	}
}

func TestLoader_Load_InvalidFile(t *testing.T) {
	path := writeConfig(t, "worker: [not: a: map\n")
	if _, err := NewLoader(path, zap.NewNop()).Load(); err == nil {
		t.Fatal("expected error for invalid yaml, got nil")
	}
}
