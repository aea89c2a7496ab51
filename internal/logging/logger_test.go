package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, ws, body string) {
	t.Helper()
	dir := filepath.Join(ws, ".deepresearch")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestInitializeWithoutConfigIsSilent(t *testing.T) {
	ws := t.TempDir()
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsDebugMode() {
		t.Error("debug mode should be off without a config file")
	}
	// Logging must be a no-op, not a crash
	Controller("should go nowhere")
	if _, err := os.Stat(filepath.Join(ws, ".deepresearch", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not be created in production mode")
	}
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "logging:\n  debug_mode: true\n  level: debug\n")
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	Scheduler("delegating %d tasks", 3)
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".deepresearch", "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "_scheduler.log") {
			found = true
		}
	}
	if !found {
		t.Error("expected a scheduler log file")
	}
}

func TestCategoryFilter(t *testing.T) {
	ws := t.TempDir()
	writeConfig(t, ws, "logging:\n  debug_mode: true\n  categories:\n    search: false\n")
	if err := Initialize(ws); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategorySearch) {
		t.Error("search category should be disabled")
	}
	if !IsCategoryEnabled(CategoryRunner) {
		t.Error("unlisted categories default to enabled")
	}
}
