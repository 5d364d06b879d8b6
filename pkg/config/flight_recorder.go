package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// FlightRecorderConfig configures the runtime/trace flight recorder.
// The flight recorder continuously records execution traces in a ring buffer,
// so a snapshot around a pathological sample can be captured after the fact.
//
// The presence of this section enables the flight recorder.
type FlightRecorderConfig struct {
	// MinAge is the minimum duration of trace data to retain in the ring buffer.
	// Default: 10s.
	MinAge time.Duration `mapstructure:"min_age" yaml:"min_age,omitempty"`

	// MaxBytes bounds the trace buffer regardless of MinAge.
	// Default: 10MiB.
	MaxBytes ByteSize `mapstructure:"max_bytes" yaml:"max_bytes,omitempty"`

	// OutputDir is the directory where trace snapshots are written.
	// Required.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// Triggers configures automatic snapshot triggers.
	// If nil, only manual triggers (signal, HTTP) are available.
	Triggers *FlightRecorderTriggers `mapstructure:"triggers" yaml:"triggers,omitempty"`
}

// FlightRecorderTriggers configures automatic snapshot triggers.
type FlightRecorderTriggers struct {
	// OnSlowSample captures a snapshot when a single timed invocation exceeds
	// this duration. Zero disables the trigger.
	OnSlowSample time.Duration `mapstructure:"on_slow_sample" yaml:"on_slow_sample,omitempty"`

	// OnError captures a snapshot when a probe run fails.
	OnError bool `mapstructure:"on_error" yaml:"on_error,omitempty"`

	// OnSignal captures a snapshot when SIGUSR1 is received.
	// Default: true.
	OnSignal *bool `mapstructure:"on_signal" yaml:"on_signal,omitempty"`

	// Cooldown is the minimum time between automatic trigger captures.
	// Does not affect manual triggers (signal, HTTP).
	// Default: 60s.
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown,omitempty"`
}

// GetMinAge returns the minimum age setting, defaulting to 10 seconds.
func (c *FlightRecorderConfig) GetMinAge() time.Duration {
	if c.MinAge == 0 {
		return 10 * time.Second
	}
	return c.MinAge
}

// GetMaxBytes returns the max bytes setting, defaulting to 10 MiB.
func (c *FlightRecorderConfig) GetMaxBytes() ByteSize {
	if c.MaxBytes == 0 {
		return 10 * MiB
	}
	return c.MaxBytes
}

// GetTriggers returns the triggers config; never nil.
func (c *FlightRecorderConfig) GetTriggers() FlightRecorderTriggers {
	if c.Triggers == nil {
		return FlightRecorderTriggers{}
	}
	return *c.Triggers
}

// GetOnSignal returns whether SIGUSR1 triggers snapshots, defaulting to true.
func (t FlightRecorderTriggers) GetOnSignal() bool {
	if t.OnSignal == nil {
		return true
	}
	return *t.OnSignal
}

// GetCooldown returns the cooldown duration, defaulting to 60 seconds.
func (t FlightRecorderTriggers) GetCooldown() time.Duration {
	if t.Cooldown == 0 {
		return 60 * time.Second
	}
	return t.Cooldown
}

// Validate validates the flight recorder configuration, creating OutputDir
// if it does not exist.
func (c *FlightRecorderConfig) Validate() error {
	var errs []error

	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	} else if info, err := os.Stat(c.OutputDir); err != nil {
		if !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("output_dir %q: %w", c.OutputDir, err))
		} else if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
			errs = append(errs, fmt.Errorf("output_dir %q does not exist and cannot be created: %w", c.OutputDir, err))
		}
	} else if !info.IsDir() {
		errs = append(errs, fmt.Errorf("output_dir %q is not a directory", c.OutputDir))
	}

	if c.MinAge < 0 {
		errs = append(errs, errors.New("min_age must be non-negative"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max_bytes must be non-negative"))
	}
	if c.Triggers != nil {
		if c.Triggers.OnSlowSample < 0 {
			errs = append(errs, errors.New("triggers.on_slow_sample must be non-negative"))
		}
		if c.Triggers.Cooldown < 0 {
			errs = append(errs, errors.New("triggers.cooldown must be non-negative"))
		}
	}

	return errors.Join(errs...)
}

// ParseFlightRecorderDir creates a FlightRecorderConfig from a CLI directory argument,
// with default settings.
func ParseFlightRecorderDir(dir string) *FlightRecorderConfig {
	if dir == "" {
		return nil
	}
	return &FlightRecorderConfig{
		OutputDir: dir,
	}
}
