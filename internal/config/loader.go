package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the settings file looked up in the run directory.
const DefaultFileName = "hybrid-md-input.yaml"

// #region errors
// ConfigurationError reports invalid or missing run settings.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		if e.Err != nil {
			return fmt.Sprintf("configuration: %s: %v", e.Reason, e.Err)
		}
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// #endregion errors

// #region load
// Load reads and validates the settings file at path.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, &ConfigurationError{Reason: "read " + path, Err: err}
	}
	return Parse(data)
}

// Parse decodes YAML settings on top of DefaultSettings and validates them.
func Parse(data []byte) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Settings{}, &ConfigurationError{Reason: "decode yaml", Err: err}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// #endregion load

// #region validate
// Validate checks every invariant of the run policy.
func (s Settings) Validate() error {
	if err := s.Tolerances.validate(); err != nil {
		return err
	}
	if s.Adaptive != nil {
		if err := s.Adaptive.validate(); err != nil {
			return err
		}
	} else if s.CheckInterval < 1 {
		return &ConfigurationError{Field: "check_interval", Reason: "needs to be a positive integer"}
	}
	if s.NumInitialSteps < 0 {
		return &ConfigurationError{Field: "num_initial_steps", Reason: "cannot be negative"}
	}
	if len(s.Refit.Command) > 0 && s.Refit.GRPCAddress != "" {
		return &ConfigurationError{Field: "refit", Reason: "command and grpc_address are mutually exclusive"}
	}
	if s.CanUpdate && len(s.Refit.Command) == 0 && s.Refit.GRPCAddress == "" {
		return &ConfigurationError{Field: "refit", Reason: "can_update requires refit.command or refit.grpc_address"}
	}
	if s.Refit.Timeout < 0 {
		return &ConfigurationError{Field: "refit.timeout", Reason: "cannot be negative"}
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ConfigurationError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", s.LogLevel)}
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		return &ConfigurationError{Field: "log_format", Reason: fmt.Sprintf("unknown format %q", s.LogFormat)}
	}
	return nil
}

func (t Tolerances) validate() error {
	fields := []struct {
		name  string
		value *float64
	}{
		{"ediff", t.EDiff},
		{"fmax", t.FMax},
		{"frmse", t.FRMSE},
		{"vmax", t.VMax},
	}
	for _, f := range fields {
		if f.value != nil && *f.value <= 0 {
			return &ConfigurationError{Field: "tolerances." + f.name, Reason: "needs to be positive if set"}
		}
	}
	if !t.Any() {
		return &ConfigurationError{Field: "tolerances", Reason: "at least one of the tolerances needs to be set"}
	}
	return nil
}

func (a AdaptiveSettings) validate() error {
	switch {
	case a.NMin < 1:
		return &ConfigurationError{Field: "adaptive_method_parameters.n_min", Reason: "minimum interval needs to be positive"}
	case a.NMax <= 1:
		return &ConfigurationError{Field: "adaptive_method_parameters.n_max", Reason: "maximum interval needs to be greater than 1"}
	case a.Factor <= 1:
		return &ConfigurationError{Field: "adaptive_method_parameters.factor", Reason: "increment factor needs to be greater than 1"}
	case a.NMin >= a.NMax:
		return &ConfigurationError{Field: "adaptive_method_parameters", Reason: "maximum interval needs to be greater than its minimum"}
	}
	return nil
}

// #endregion validate

// #region duration
// UnmarshalYAML accepts Go duration strings ("90s", "2h").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// #endregion duration

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
