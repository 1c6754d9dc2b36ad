package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default policy to validate: %v", err)
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "policy.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default policy: %v", err)
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Agent.Command == "" {
		t.Fatalf("expected non-empty agent command")
	}
	if len(cfg.Sandbox.AllowedCommands) == 0 {
		t.Fatalf("expected non-empty sandbox allowlist")
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing-policy.json")
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected missing test policy file")
	}

	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load policy with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default policy version 1, got %d", cfg.Version)
	}
	if cfg.Loop.MaxPassesPerSession != 1 {
		t.Fatalf("expected default max passes per session 1, got %d", cfg.Loop.MaxPassesPerSession)
	}
}

func TestRenderCheckpointLabel(t *testing.T) {
	label := RenderCheckpointLabel("session {session}: {summary}", 7, "login form")
	if label != "session 7: login form" {
		t.Fatalf("unexpected label %q", label)
	}
	fallback := RenderCheckpointLabel("{summary}", 3, "  ")
	if fallback != "session 3" {
		t.Fatalf("unexpected fallback label %q", fallback)
	}
}

func TestRenderRunName(t *testing.T) {
	if got := RenderRunName("engineer", "/tmp/My Project"); got != "engineer-my-project" {
		t.Fatalf("unexpected run name %q", got)
	}
	if got := RenderRunName("", "/tmp/demo"); got != "demo" {
		t.Fatalf("unexpected run name %q", got)
	}
}
