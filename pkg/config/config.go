// Package config loads the pgprobe configuration from an optional YAML or
// JSON file, PGPROBE_* environment variables, and bound command-line flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable, e.g. PGPROBE_STORE_DSN.
const EnvPrefix = "PGPROBE"

// Config holds the pgprobe configuration.
type Config struct {
	Store     StoreConfig    `mapstructure:"store" yaml:"store"`
	Workloads WorkloadConfig `mapstructure:"workloads" yaml:"workloads"`

	// Iterations overrides the default iteration count per probe id.
	Iterations map[string]int `mapstructure:"iterations" yaml:"iterations,omitempty"`

	// CollectBeforeEach triggers a garbage collection before every timed
	// invocation.
	CollectBeforeEach bool `mapstructure:"collect_before_each" yaml:"collect_before_each"`

	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Optional sections. Presence enables the feature.
	Prometheus     *PrometheusConfig     `mapstructure:"prometheus" yaml:"prometheus,omitempty"`
	OpenTelemetry  *OpenTelemetryConfig  `mapstructure:"opentelemetry" yaml:"opentelemetry,omitempty"`
	FlightRecorder *FlightRecorderConfig `mapstructure:"flight_recorder" yaml:"flight_recorder,omitempty"`
}

// StoreConfig describes how to reach the data store.
type StoreConfig struct {
	// DSN is a PostgreSQL URL or keyword/value string, or "sqlite:<path>".
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// Password overrides the password in DSN.
	Password *SecretRef `mapstructure:"password" yaml:"password,omitempty"`

	// MaxConns caps the connection pool. Default: pgxpool's default.
	MaxConns int32 `mapstructure:"max_conns" yaml:"max_conns,omitempty"`

	// StatementTimeout bounds every statement server-side. Default: none.
	StatementTimeout time.Duration `mapstructure:"statement_timeout" yaml:"statement_timeout,omitempty"`
}

// WorkloadConfig sizes the workloads behind each probe.
type WorkloadConfig struct {
	CPUOps          int      `mapstructure:"cpu_ops" yaml:"cpu_ops"`
	AllocSize       ByteSize `mapstructure:"alloc_size" yaml:"alloc_size"`
	AllocSmallCount int      `mapstructure:"alloc_small_count" yaml:"alloc_small_count"`
	PingCount       int      `mapstructure:"ping_count" yaml:"ping_count"`
	BulkRows        int      `mapstructure:"bulk_rows" yaml:"bulk_rows"`
}

// ServerConfig configures `pgprobe serve`.
type ServerConfig struct {
	// Listen is the HTTP API address. Default: ":8080".
	Listen string `mapstructure:"listen" yaml:"listen"`

	// TLS enables HTTPS for the API when set.
	TLS *TLSConfig `mapstructure:"tls" yaml:"tls,omitempty"`
}

// Defaults for WorkloadConfig and ServerConfig.
const (
	DefaultCPUOps          = 10_000_000
	DefaultAllocSize       = 256 * MiB
	DefaultAllocSmallCount = 10_000
	DefaultPingCount       = 1
	DefaultBulkRows        = 100_000
	DefaultListen          = ":8080"
)

// NewViper returns a viper instance with pgprobe defaults, environment
// binding, and cfgFile (if non-empty) as the config file. Keys are nested with
// "." and map to environment variables with "_", e.g. store.dsn is
// PGPROBE_STORE_DSN.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 0)
	v.SetDefault("store.statement_timeout", "0s")
	v.SetDefault("workloads.cpu_ops", DefaultCPUOps)
	v.SetDefault("workloads.alloc_size", DefaultAllocSize.String())
	v.SetDefault("workloads.alloc_small_count", DefaultAllocSmallCount)
	v.SetDefault("workloads.ping_count", DefaultPingCount)
	v.SetDefault("workloads.bulk_rows", DefaultBulkRows)
	v.SetDefault("collect_before_each", false)
	v.SetDefault("server.listen", DefaultListen)
}

// decodeHook turns strings into durations and TextUnmarshalers such as ByteSize.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}

// Load decodes the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// ParseConfig parses a YAML configuration document on top of the defaults.
func ParseConfig(doc string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return Load(v)
}

// YAML renders the effective configuration with plaintext secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if p := c.Store.Password; p != nil && p.InsecureValue != "" {
		redacted := *p
		redacted.InsecureValue = "REDACTED"
		out.Store.Password = &redacted
	}
	return yaml.Marshal(&out)
}

// GetIterations returns the configured iteration count for a probe, or 0 if
// it has no override.
func (c *Config) GetIterations(probeID string) int {
	if c == nil {
		return 0
	}
	return c.Iterations[strings.ToLower(probeID)]
}

// GetCPUOps returns the CPU workload size, defaulting to 10,000,000.
func (w WorkloadConfig) GetCPUOps() int {
	if w.CPUOps <= 0 {
		return DefaultCPUOps
	}
	return w.CPUOps
}

// GetAllocSize returns the large block size, defaulting to 256MiB.
func (w WorkloadConfig) GetAllocSize() ByteSize {
	if w.AllocSize <= 0 {
		return DefaultAllocSize
	}
	return w.AllocSize
}

// GetAllocSmallCount returns the number of small allocations, defaulting to 10,000.
func (w WorkloadConfig) GetAllocSmallCount() int {
	if w.AllocSmallCount <= 0 {
		return DefaultAllocSmallCount
	}
	return w.AllocSmallCount
}

// GetPingCount returns the round trips per timed store ping, defaulting to 1.
func (w WorkloadConfig) GetPingCount() int {
	if w.PingCount <= 0 {
		return DefaultPingCount
	}
	return w.PingCount
}

// GetBulkRows returns the fixture row count, defaulting to 100,000.
func (w WorkloadConfig) GetBulkRows() int {
	if w.BulkRows <= 0 {
		return DefaultBulkRows
	}
	return w.BulkRows
}

// GetListen returns the API listen address, defaulting to ":8080".
func (s ServerConfig) GetListen() string {
	if s.Listen == "" {
		return DefaultListen
	}
	return s.Listen
}

// Secrets returns an iterator over all secret references in the config.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		if c.Store.Password != nil {
			if !yield("store.password", *c.Store.Password) {
				return
			}
		}
	}
}

// StorePassword resolves the store password, or returns "" if none is configured.
func (c *Config) StorePassword(ctx context.Context, secrets *SecretCache) (string, error) {
	if c.Store.Password == nil {
		return "", nil
	}
	return secrets.Get(ctx, *c.Store.Password)
}

// Validate checks the configuration without contacting the store. It does not
// stop at the first error; all errors are joined. secrets may be nil, in which
// case secret references are only checked for shape.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if c.Store.MaxConns < 0 {
		errs = append(errs, errors.New("store.max_conns must be non-negative"))
	}
	if c.Store.StatementTimeout < 0 {
		errs = append(errs, errors.New("store.statement_timeout must be non-negative"))
	}
	if c.Workloads.AllocSize < 0 {
		errs = append(errs, errors.New("workloads.alloc_size must be non-negative"))
	}
	for id, n := range c.Iterations {
		if n < 0 {
			errs = append(errs, fmt.Errorf("iterations.%s must be non-negative, got %d", id, n))
		}
	}

	for path, ref := range c.Secrets() {
		var err error
		if secrets == nil {
			err = ref.Validate()
		} else {
			_, err = secrets.Get(ctx, ref)
		}
		if err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	if c.Server.TLS != nil {
		if err := c.Server.TLS.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("server.tls: %w", err))
		}
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}
	if c.OpenTelemetry != nil {
		if err := c.OpenTelemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opentelemetry: %w", err))
		}
	}
	if c.FlightRecorder != nil {
		if err := c.FlightRecorder.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flight_recorder: %w", err))
		}
	}

	return errors.Join(errs...)
}
