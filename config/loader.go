package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/agentmux/paths"
)

// Load reads and parses the settings file at the given path.
// Returns nil, nil if the file does not exist.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadAndMerge loads the settings file from the standard location and
// merges it with the defaults. A missing file yields the defaults.
func LoadAndMerge() (*Settings, error) {
	fp, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	loaded, err := Load(fp)
	if err != nil {
		return nil, err
	}

	defaults := DefaultSettings()
	if loaded == nil {
		return defaults, nil
	}
	return Merge(loaded, defaults), nil
}

// Merge overlays loaded settings onto the defaults: any field the file
// left unset keeps its default value.
func Merge(loaded, defaults *Settings) *Settings {
	out := *loaded

	if out.Restart.MaxAttempts == 0 {
		out.Restart.MaxAttempts = defaults.Restart.MaxAttempts
	}
	if out.Restart.BaseDelay == nil {
		out.Restart.BaseDelay = defaults.Restart.BaseDelay
	}
	if out.Restart.MaxDelay == nil {
		out.Restart.MaxDelay = defaults.Restart.MaxDelay
	}
	if out.Shutdown.GraceWindow == nil {
		out.Shutdown.GraceWindow = defaults.Shutdown.GraceWindow
	}
	if out.Request.DefaultTimeout == nil {
		out.Request.DefaultTimeout = defaults.Request.DefaultTimeout
	}
	return &out
}
