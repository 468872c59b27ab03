// Package config loads supervisor settings from agentmux.yaml in the
// config directory. All fields are optional; missing values fall back
// to the built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/zhubert/agentmux/mux"
	"github.com/zhubert/agentmux/proc"
	"github.com/zhubert/agentmux/recovery"
)

// Settings is the top-level supervisor configuration.
type Settings struct {
	Restart  RestartSettings  `yaml:"restart"`
	Shutdown ShutdownSettings `yaml:"shutdown"`
	Request  RequestSettings  `yaml:"request"`
	Debug    bool             `yaml:"debug"`
}

// RestartSettings tunes the automatic restart ladder.
type RestartSettings struct {
	MaxAttempts int       `yaml:"max_attempts"`
	BaseDelay   *Duration `yaml:"base_delay,omitempty"`
	MaxDelay    *Duration `yaml:"max_delay,omitempty"`
}

// ShutdownSettings tunes channel teardown.
type ShutdownSettings struct {
	GraceWindow *Duration `yaml:"grace_window,omitempty"`
}

// RequestSettings tunes request routing.
type RequestSettings struct {
	DefaultTimeout *Duration `yaml:"default_timeout,omitempty"`
}

// Duration is a wrapper around time.Duration that implements YAML
// unmarshaling from human-readable strings like "500ms", "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Settings {
	return &Settings{
		Restart: RestartSettings{
			MaxAttempts: recovery.DefaultMaxAttempts,
			BaseDelay:   &Duration{recovery.DefaultBaseDelay},
			MaxDelay:    &Duration{recovery.DefaultMaxDelay},
		},
		Shutdown: ShutdownSettings{
			GraceWindow: &Duration{proc.DefaultGraceWindow},
		},
		Request: RequestSettings{
			DefaultTimeout: &Duration{mux.DefaultRequestTimeout},
		},
	}
}

// Validate rejects settings that would wedge the supervisor.
func (s *Settings) Validate() error {
	if s.Restart.MaxAttempts < 0 {
		return fmt.Errorf("restart.max_attempts must not be negative, got %d", s.Restart.MaxAttempts)
	}
	if d := s.Restart.BaseDelay; d != nil && d.Duration < 0 {
		return fmt.Errorf("restart.base_delay must not be negative, got %s", d)
	}
	if d := s.Restart.MaxDelay; d != nil && d.Duration < 0 {
		return fmt.Errorf("restart.max_delay must not be negative, got %s", d)
	}
	if base, max := s.Restart.BaseDelay, s.Restart.MaxDelay; base != nil && max != nil &&
		max.Duration > 0 && base.Duration > max.Duration {
		return fmt.Errorf("restart.base_delay %s exceeds restart.max_delay %s", base, max)
	}
	if d := s.Shutdown.GraceWindow; d != nil && d.Duration < 0 {
		return fmt.Errorf("shutdown.grace_window must not be negative, got %s", d)
	}
	if d := s.Request.DefaultTimeout; d != nil && d.Duration < 0 {
		return fmt.Errorf("request.default_timeout must not be negative, got %s", d)
	}
	return nil
}

// MuxOptions converts the settings into orchestrator options. Fields
// left unset in the file fall through to the orchestrator defaults.
func (s *Settings) MuxOptions() mux.Options {
	opts := mux.Options{
		MaxRestartAttempts: s.Restart.MaxAttempts,
	}
	if d := s.Restart.BaseDelay; d != nil {
		opts.BaseDelay = d.Duration
	}
	if d := s.Restart.MaxDelay; d != nil {
		opts.MaxDelay = d.Duration
	}
	if d := s.Shutdown.GraceWindow; d != nil {
		opts.GraceWindow = d.Duration
	}
	if d := s.Request.DefaultTimeout; d != nil {
		opts.DefaultRequestTimeout = d.Duration
	}
	return opts
}
