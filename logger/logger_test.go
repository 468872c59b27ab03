package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestLogger creates a temp log file and initializes the logger with it.
func setupTestLogger(t *testing.T) (string, func()) {
	t.Helper()
	Reset()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-debug.log")
	if err := Init(logPath); err != nil {
		t.Fatalf("Failed to init logger: %v", err)
	}

	return logPath, func() {
		Reset()
	}
}

func TestGet(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	log := Get()
	if log == nil {
		t.Fatal("Get() returned nil")
	}

	// Should not panic
	log.Info("test message")
	log.Debug("debug message", "key", "value")
	log.Warn("warning", "count", 42)
	log.Error("error occurred", "err", "something failed")
}

func TestGet_StructuredLogging(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := Get()
	log.Info("channel opened", "id", "c1", "pid", 123)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)

	if !strings.Contains(contentStr, "channel opened") {
		t.Error("Should contain message")
	}
	if !strings.Contains(contentStr, "id=c1") {
		t.Error("Should contain id=c1")
	}
	if !strings.Contains(contentStr, "pid=123") {
		t.Error("Should contain pid=123")
	}
}

func TestWithChannel(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := WithChannel("chan-42")
	log.Info("restarting")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	if !strings.Contains(string(content), "channelID=chan-42") {
		t.Error("Should contain channelID=chan-42")
	}
}

func TestWithComponent(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	log := WithComponent("mux")
	log.Info("started")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	if !strings.Contains(string(content), "component=mux") {
		t.Error("Should contain component=mux")
	}
}

func TestSetDebug(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	SetDebug(false)
	Get().Debug("hidden message")

	SetDebug(true)
	Get().Debug("visible message")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	contentStr := string(content)
	if strings.Contains(contentStr, "hidden message") {
		t.Error("Debug message should be suppressed at info level")
	}
	if !strings.Contains(contentStr, "visible message") {
		t.Error("Debug message should appear after SetDebug(true)")
	}
}

func TestInit_Idempotent(t *testing.T) {
	logPath, cleanup := setupTestLogger(t)
	defer cleanup()

	// Second Init with a different path is a no-op
	other := filepath.Join(t.TempDir(), "other.log")
	if err := Init(other); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if Path() != logPath {
		t.Errorf("Path = %q, want %q (first Init wins)", Path(), logPath)
	}
}

func TestClose(t *testing.T) {
	_, cleanup := setupTestLogger(t)
	defer cleanup()

	// Close should not panic
	Close()
}
