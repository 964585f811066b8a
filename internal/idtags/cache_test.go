package idtags

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeTags(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idtags.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write id tags file: %v", err)
	}
	return path
}

func TestCache_Tags(t *testing.T) {
	path := writeTags(t, `["A100","B200","C300"]`)
	cache := NewCache(zap.NewNop())

	tags, err := cache.Tags(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(tags) != 3 {
		t.Fatalf("expected 3 tags, got %d", len(tags))
	}
	if tags[0] != "A100" {
		t.Errorf("expected first tag 'A100', got '%s'", tags[0])
	}
}

func TestCache_Next_RoundRobin(t *testing.T) {
	path := writeTags(t, `["A","B","C"]`)
	cache := NewCache(zap.NewNop())

	want := []string{"A", "B", "C", "A"}
	for i, expected := range want {
		tag, err := cache.Next(path, DistributionRoundRobin, 1)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if tag != expected {
			t.Errorf("draw %d: expected tag '%s', got '%s'", i, expected, tag)
		}
	}
}

func TestCache_Next_ConnectorAffinity(t *testing.T) {
	path := writeTags(t, `["A","B","C"]`)
	cache := NewCache(zap.NewNop())

	first, err := cache.Next(path, DistributionConnectorAffinity, 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := cache.Next(path, DistributionConnectorAffinity, 2)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first != second {
		t.Errorf("expected a stable tag per connector, got '%s' then '%s'", first, second)
	}
	if first != "C" {
		t.Errorf("expected connector 2 tag 'C', got '%s'", first)
	}
}

func TestCache_Next_Random(t *testing.T) {
	path := writeTags(t, `["A","B"]`)
	cache := NewCache(zap.NewNop())

	tag, err := cache.Next(path, DistributionRandom, 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if tag != "A" && tag != "B" {
		t.Errorf("expected a tag from the list, got '%s'", tag)
	}
}

func TestCache_Next_UnknownDistributionFallsBack(t *testing.T) {
	path := writeTags(t, `["A","B"]`)
	cache := NewCache(zap.NewNop())

	first, err := cache.Next(path, "bogus", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := cache.Next(path, "bogus", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first != "A" || second != "B" {
		t.Errorf("expected round-robin fallback 'A' then 'B', got '%s' then '%s'", first, second)
	}
}

func TestCache_Load_Errors(t *testing.T) {
	cache := NewCache(zap.NewNop())

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(t.TempDir(), "nope.json")},
		{name: "empty list", path: writeTags(t, `[]`)},
		{name: "invalid json", path: writeTags(t, `{"not":"a list"}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := cache.Tags(tc.path); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}
