package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ushercli/usher/internal/config"
)

func TestInitCommand_CreatesConfigAndWorkspace(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit error: %v", err)
	}

	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file at %s: %v", configPath, err)
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(cfg.WorkspacePath()); err != nil {
		t.Fatalf("expected workspace dir at %s: %v", cfg.WorkspacePath(), err)
	}

	statePath := filepath.Join(cfg.WorkspacePath(), "state")
	if _, err := os.Stat(statePath); err != nil {
		t.Fatalf("expected state dir at %s: %v", statePath, err)
	}

	agentsPath := filepath.Join(cfg.WorkspacePath(), "AGENTS.md")
	if _, err := os.Stat(agentsPath); err != nil {
		t.Fatalf("expected agents file at %s: %v", agentsPath, err)
	}
}

func TestInitCommand_IdempotentWhenConfigExists(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("USERPROFILE", tmpDir)

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("first runInit error: %v", err)
	}
	output := captureOutput(t, func() {
		if err := runInit(nil, nil); err != nil {
			t.Fatalf("second runInit error: %v", err)
		}
	})
	if output == "" {
		t.Fatal("expected existing-config notice")
	}
}
