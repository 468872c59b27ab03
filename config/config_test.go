package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/agentmux/mux"
	"github.com/zhubert/agentmux/paths"
	"github.com/zhubert/agentmux/proc"
	"github.com/zhubert/agentmux/recovery"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	fp := filepath.Join(t.TempDir(), "agentmux.yaml")
	if err := os.WriteFile(fp, []byte(content), 0644); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	return fp
}

func TestLoad_MissingFileReturnsNil(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "agentmux.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil settings for missing file, got %+v", s)
	}
}

func TestLoad_FullFile(t *testing.T) {
	fp := writeSettings(t, `
restart:
  max_attempts: 5
  base_delay: 500ms
  max_delay: 8s
shutdown:
  grace_window: 2s
request:
  default_timeout: 45s
debug: true
`)

	s, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Restart.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", s.Restart.MaxAttempts)
	}
	if got := s.Restart.BaseDelay.Duration; got != 500*time.Millisecond {
		t.Errorf("base_delay = %v, want 500ms", got)
	}
	if got := s.Restart.MaxDelay.Duration; got != 8*time.Second {
		t.Errorf("max_delay = %v, want 8s", got)
	}
	if got := s.Shutdown.GraceWindow.Duration; got != 2*time.Second {
		t.Errorf("grace_window = %v, want 2s", got)
	}
	if got := s.Request.DefaultTimeout.Duration; got != 45*time.Second {
		t.Errorf("default_timeout = %v, want 45s", got)
	}
	if !s.Debug {
		t.Error("debug = false, want true")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	fp := writeSettings(t, "restart: [not a map")
	if _, err := Load(fp); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	fp := writeSettings(t, "restart:\n  base_delay: soon\n")
	_, err := Load(fp)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("error = %v, want invalid duration", err)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"negative attempts", "restart:\n  max_attempts: -1\n"},
		{"negative grace", "shutdown:\n  grace_window: -1s\n"},
		{"base exceeds max", "restart:\n  base_delay: 10s\n  max_delay: 1s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp := writeSettings(t, tc.content)
			if _, err := Load(fp); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadAndMerge_NoFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	paths.Reset()
	t.Cleanup(paths.Reset)

	s, err := LoadAndMerge()
	if err != nil {
		t.Fatalf("LoadAndMerge: %v", err)
	}
	if s.Restart.MaxAttempts != recovery.DefaultMaxAttempts {
		t.Errorf("max_attempts = %d, want default %d", s.Restart.MaxAttempts, recovery.DefaultMaxAttempts)
	}
	if got := s.Shutdown.GraceWindow.Duration; got != proc.DefaultGraceWindow {
		t.Errorf("grace_window = %v, want default %v", got, proc.DefaultGraceWindow)
	}
}

func TestLoadAndMerge_PartialFileKeepsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	paths.Reset()
	t.Cleanup(paths.Reset)

	dir := filepath.Join(home, ".config", "agentmux")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "restart:\n  max_attempts: 9\n"
	if err := os.WriteFile(filepath.Join(dir, "agentmux.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := LoadAndMerge()
	if err != nil {
		t.Fatalf("LoadAndMerge: %v", err)
	}
	if s.Restart.MaxAttempts != 9 {
		t.Errorf("max_attempts = %d, want 9", s.Restart.MaxAttempts)
	}
	if got := s.Restart.BaseDelay.Duration; got != recovery.DefaultBaseDelay {
		t.Errorf("base_delay = %v, want default %v", got, recovery.DefaultBaseDelay)
	}
	if got := s.Request.DefaultTimeout.Duration; got != mux.DefaultRequestTimeout {
		t.Errorf("default_timeout = %v, want default %v", got, mux.DefaultRequestTimeout)
	}
}

func TestSettings_MuxOptions(t *testing.T) {
	s := &Settings{
		Restart: RestartSettings{
			MaxAttempts: 4,
			BaseDelay:   &Duration{2 * time.Second},
			MaxDelay:    &Duration{30 * time.Second},
		},
		Shutdown: ShutdownSettings{GraceWindow: &Duration{3 * time.Second}},
		Request:  RequestSettings{DefaultTimeout: &Duration{time.Minute}},
	}

	opts := s.MuxOptions()
	if opts.MaxRestartAttempts != 4 {
		t.Errorf("MaxRestartAttempts = %d, want 4", opts.MaxRestartAttempts)
	}
	if opts.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %v, want 2s", opts.BaseDelay)
	}
	if opts.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", opts.MaxDelay)
	}
	if opts.GraceWindow != 3*time.Second {
		t.Errorf("GraceWindow = %v, want 3s", opts.GraceWindow)
	}
	if opts.DefaultRequestTimeout != time.Minute {
		t.Errorf("DefaultRequestTimeout = %v, want 1m", opts.DefaultRequestTimeout)
	}
}

func TestSettings_MuxOptionsUnsetFieldsStayZero(t *testing.T) {
	opts := (&Settings{}).MuxOptions()
	if opts.BaseDelay != 0 || opts.MaxDelay != 0 || opts.GraceWindow != 0 || opts.DefaultRequestTimeout != 0 {
		t.Fatalf("expected zero options for empty settings, got %+v", opts)
	}
}
