package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_BaseEnvTenantLayering(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "orbitd.yaml"), "executor:\n  maxAttempts: 5\nsweeper:\n  intervalSeconds: 15\n")
	writeFile(t, filepath.Join(root, "env", "prod", "orbitd.yaml"), "executor:\n  maxAttempts: 10\n")
	writeFile(t, filepath.Join(root, "tenants", "acme", "orbitd.yaml"), "executor:\n  maxAttempts: 20\n")

	l, err := NewLoader(root, Options{Service: "orbitd", Env: "prod", Tenant: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	executor, ok := bundle.Merged["executor"].(map[string]any)
	if !ok {
		t.Fatalf("expected executor section, got %+v", bundle.Merged)
	}
	// yaml.v3 decodes integer scalars as int.
	if got := executor["maxAttempts"]; got != 20 {
		t.Fatalf("expected tenant layer (20) to win, got %v", got)
	}
	sweeper, ok := bundle.Merged["sweeper"].(map[string]any)
	if !ok || sweeper["intervalSeconds"] != 15 {
		t.Fatalf("expected base-only keys to survive the merge, got %+v", bundle.Merged)
	}
}

func TestLoad_EnvVarOverrideWinsLast(t *testing.T) {
	root := t.TempDir()
	// Env-var override paths are lowercased, so the overridden key is lowercase too.
	writeFile(t, filepath.Join(root, "orbitd.yaml"), "executor:\n  maxattempts: 5\n")

	t.Setenv("ORBITD_EXECUTOR__MAXATTEMPTS", "99")

	l, err := NewLoader(root, Options{Service: "orbitd"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	executor := bundle.Merged["executor"].(map[string]any)
	if executor["maxattempts"] != float64(99) {
		t.Fatalf("expected env override to win, got %v", executor["maxattempts"])
	}
}

func TestLoad_MissingLayersAreSkippedNotFatal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "orbitd.json"), `{"executor":{"maxAttempts":3}}`)

	l, err := NewLoader(root, Options{Service: "orbitd", Env: "nonexistent"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatalf("expected missing env layer to be skipped, got %v", err)
	}
	if len(bundle.Docs) != 1 {
		t.Fatalf("expected exactly the base layer to load, got %d docs", len(bundle.Docs))
	}
}

type decodeTarget struct {
	Executor struct {
		MaxAttempts int `json:"maxAttempts"`
	} `json:"executor"`
}

func TestBundle_Decode(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "orbitd.json"), `{"executor":{"maxAttempts":7}}`)

	l, err := NewLoader(root, Options{Service: "orbitd"})
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := l.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var out decodeTarget
	if err := bundle.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Executor.MaxAttempts != 7 {
		t.Fatalf("expected decoded MaxAttempts=7, got %d", out.Executor.MaxAttempts)
	}
}
