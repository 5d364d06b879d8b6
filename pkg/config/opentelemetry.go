package config

import (
	"errors"
	"fmt"
)

// OpenTelemetryConfig configures OpenTelemetry tracing of probe runs.
type OpenTelemetryConfig struct {
	// Enabled enables OpenTelemetry tracing. Default: false.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServiceName is the service name to use in traces. Default: "pgprobe".
	ServiceName string `mapstructure:"service_name" yaml:"service_name,omitempty"`

	// OTLPEndpoint is the OTLP collector endpoint.
	// If not set, the OTEL_EXPORTER_OTLP_ENDPOINT environment variable is used.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint,omitempty"`

	// OTLPProtocol is the OTLP protocol to use: "grpc" or "http". Default: "grpc".
	OTLPProtocol string `mapstructure:"otlp_protocol" yaml:"otlp_protocol,omitempty"`

	// SamplingRate is the sampling rate from 0.0 to 1.0. Default: 1.0 (sample all).
	SamplingRate *float64 `mapstructure:"sampling_rate" yaml:"sampling_rate,omitempty"`

	// SampleSpans records one span per timed invocation in addition to the
	// span per run. Default: false.
	SampleSpans bool `mapstructure:"sample_spans" yaml:"sample_spans,omitempty"`

	// ExtraAttributes are added to the trace resource.
	ExtraAttributes map[string]string `mapstructure:"extra_attributes" yaml:"extra_attributes,omitempty"`
}

// GetServiceName returns the service name, defaulting to "pgprobe".
func (c *OpenTelemetryConfig) GetServiceName() string {
	if c.ServiceName == "" {
		return "pgprobe"
	}
	return c.ServiceName
}

// GetOTLPProtocol returns the OTLP protocol, defaulting to "grpc".
func (c *OpenTelemetryConfig) GetOTLPProtocol() string {
	if c.OTLPProtocol == "" {
		return "grpc"
	}
	return c.OTLPProtocol
}

// GetSamplingRate returns the sampling rate, defaulting to 1.0.
func (c *OpenTelemetryConfig) GetSamplingRate() float64 {
	if c.SamplingRate == nil {
		return 1.0
	}
	return *c.SamplingRate
}

// Validate validates the OpenTelemetry configuration.
func (c *OpenTelemetryConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	protocol := c.GetOTLPProtocol()
	if protocol != "grpc" && protocol != "http" {
		errs = append(errs, fmt.Errorf("otlp_protocol must be \"grpc\" or \"http\", got %q", protocol))
	}

	rate := c.GetSamplingRate()
	if rate < 0.0 || rate > 1.0 {
		errs = append(errs, fmt.Errorf("sampling_rate must be between 0.0 and 1.0, got %f", rate))
	}

	return errors.Join(errs...)
}
