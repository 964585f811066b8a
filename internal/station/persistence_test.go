package station

import (
	"os"
	"path/filepath"
	"testing"
)

func testPersistedConfiguration() *PersistedConfiguration {
	return &PersistedConfiguration{
		StationInfo: &Info{
			HashID:            "abc123",
			ChargingStationID: "acme-00001",
			Index:             1,
		},
		ConfigurationKey: []ConfigurationKey{
			{Key: KeyHeartbeatInterval, Value: "60", Visible: true},
		},
		ConnectorsStatus: []*Connector{
			newConnector(0, "", false),
			newConnector(1, "", false),
		},
	}
}

func TestSavePersistedConfiguration_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configurations", "abc123.json")
	cfg := testPersistedConfiguration()

	wrote, err := SavePersistedConfiguration(path, cfg)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !wrote {
		t.Fatal("expected the first save to write")
	}

	loaded, err := LoadPersistedConfiguration(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded configuration")
	}
	if loaded.ConfigurationHash != cfg.ConfigurationHash {
		t.Errorf("expected hash '%s', got '%s'", cfg.ConfigurationHash, loaded.ConfigurationHash)
	}
	if loaded.StationInfo.ChargingStationID != "acme-00001" {
		t.Errorf("expected station id 'acme-00001', got '%s'", loaded.StationInfo.ChargingStationID)
	}
	if len(loaded.ConnectorsStatus) != 2 {
		t.Errorf("expected 2 connectors, got %d", len(loaded.ConnectorsStatus))
	}
}

func TestSavePersistedConfiguration_HashGateSkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc123.json")
	cfg := testPersistedConfiguration()

	if _, err := SavePersistedConfiguration(path, cfg); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	wrote, err := SavePersistedConfiguration(path, testPersistedConfiguration())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if wrote {
		t.Error("expected an unchanged configuration to skip the write")
	}
}

func TestSavePersistedConfiguration_HashGateDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc123.json")

	if _, err := SavePersistedConfiguration(path, testPersistedConfiguration()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	changed := testPersistedConfiguration()
	changed.ConfigurationKey[0].Value = "300"
	wrote, err := SavePersistedConfiguration(path, changed)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !wrote {
		t.Error("expected a changed configuration to be written")
	}
}

func TestLoadPersistedConfiguration_MissingFile(t *testing.T) {
	cfg, err := LoadPersistedConfiguration(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if cfg != nil {
		t.Error("expected nil configuration for a missing file")
	}
}

func TestLoadPersistedConfiguration_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := LoadPersistedConfiguration(path); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}
