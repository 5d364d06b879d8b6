package config

import (
	"errors"
	"fmt"
	"strings"
)

// PrometheusConfig configures Prometheus metrics export.
// If this section is present, `pgprobe serve` exposes metrics.
type PrometheusConfig struct {
	// Listen is the address of a dedicated metrics HTTP server.
	// Empty mounts the metrics endpoint on the API server instead.
	// Format: "host:port" or ":port"
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`

	// Path is the HTTP path for the metrics endpoint.
	// Default: "/metrics"
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// ConstLabels are attached to every pgprobe metric, e.g. the target
	// database or the git sha of the build under test.
	ConstLabels map[string]string `mapstructure:"const_labels" yaml:"const_labels,omitempty"`
}

// GetPath returns the metrics path, defaulting to "/metrics".
func (c *PrometheusConfig) GetPath() string {
	if c.Path == "" {
		return "/metrics"
	}
	return c.Path
}

// Dedicated reports whether metrics get their own listener.
func (c *PrometheusConfig) Dedicated() bool {
	return c.Listen != ""
}

// Validate validates the Prometheus configuration.
func (c *PrometheusConfig) Validate() error {
	var errs []error

	if c.Listen != "" && !strings.Contains(c.Listen, ":") {
		errs = append(errs, fmt.Errorf("listen address %q must contain a port (e.g., ':9090' or '0.0.0.0:9090')", c.Listen))
	}

	path := c.GetPath()
	if !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with '/'", path))
	}

	for k := range c.ConstLabels {
		if k == "probe" || k == "status" || k == "op" || k == "kind" {
			errs = append(errs, fmt.Errorf("const label %q collides with a metric label", k))
		}
	}

	return errors.Join(errs...)
}

// ParsePrometheusListen parses a CLI listen argument in "host:port/path" format
// and returns a PrometheusConfig. If path is not specified, defaults to "/metrics".
func ParsePrometheusListen(listen string) *PrometheusConfig {
	if listen == "" {
		return nil
	}

	// Format: ":9090/metrics" or "0.0.0.0:9090/metrics" or ":9090"
	addr, path, found := strings.Cut(listen, "/")
	if !found {
		path = "metrics"
	}

	return &PrometheusConfig{
		Listen: addr,
		Path:   "/" + path,
	}
}
