package template

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

const minimalTemplate = `{"chargePointModel":"M","chargePointVendor":"V","power":22000,"numberOfConnectors":1}`

func writeTemplate(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	return path
}

func TestStore_Load_CachesByContentHash(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "station.json", minimalTemplate)
	store := NewStore(zap.NewNop())

	first, hash1, err := store.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, hash2, err := store.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if hash1 != hash2 {
		t.Errorf("expected identical hashes, got %s and %s", hash1, hash2)
	}
	if first != second {
		t.Error("expected the cached template instance to be reused")
	}
}

func TestStore_Load_DetectsChangedContent(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "station.json", minimalTemplate)
	store := NewStore(zap.NewNop())

	_, hash1, err := store.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	changed := `{"chargePointModel":"M2","chargePointVendor":"V","power":22000,"numberOfConnectors":1}`
	writeTemplate(t, dir, "station.json", changed)

	tmpl, hash2, err := store.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if hash1 == hash2 {
		t.Error("expected a different hash for changed content")
	}
	if tmpl.ChargePointModel != "M2" {
		t.Errorf("expected reloaded model 'M2', got '%s'", tmpl.ChargePointModel)
	}
}

func TestStore_Load_InvalidTemplate(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "broken.json", `{"chargePointModel":"M"}`)
	store := NewStore(zap.NewNop())

	if _, _, err := store.Load(path); err == nil {
		t.Fatal("expected error for invalid template, got nil")
	}
}

func TestStore_Load_MissingFile(t *testing.T) {
	store := NewStore(zap.NewNop())
	if _, _, err := store.Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestStore_Invalidate(t *testing.T) {
	dir := t.TempDir()
	path := writeTemplate(t, dir, "station.json", minimalTemplate)
	store := NewStore(zap.NewNop())

	first, _, err := store.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	store.Invalidate(path)
	second, _, err := store.Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first == second {
		t.Error("expected a fresh parse after invalidation")
	}
}
