// Package suite runs the Go benchmarks in pkg/benchmarks against one or more
// named data stores and collects the output for benchstat.
package suite

import (
	"fmt"
	"strings"
	"time"
)

// Config is the configuration for a benchmark suite.
type Config struct {
	// Rounds is the number of go test invocations per target.
	Rounds    int           `json:"rounds"`
	Count     int           `json:"count"`
	Benchtime string        `json:"benchtime,omitempty"`
	Timeout   time.Duration `json:"timeout"`

	// Rows is the number of fixture rows written and read per operation.
	Rows     int `json:"rows"`
	MaxConns int `json:"max_conns,omitempty"`

	// ResetFixture lets each round drop a fixture table left by another run.
	// Off, a leftover table fails the round.
	ResetFixture bool `json:"reset_fixture,omitempty"`

	// Cases selects benchmarks by short name; empty runs all of them.
	Cases   []string `json:"cases,omitempty"`
	Package string   `json:"package"`

	OutputDir string   `json:"output_dir"`
	Targets   []Target `json:"targets"`
}

// DefaultConfig returns a Config with sensible defaults and no targets.
func DefaultConfig() Config {
	return Config{
		Rounds:    2,
		Count:     1,
		Timeout:   10 * time.Minute,
		Rows:      1000,
		Package:   "./pkg/benchmarks/...",
		OutputDir: "out/benchmarks",
	}
}

// Validate checks the configuration before a run.
func (c Config) Validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("no targets configured")
	}
	if c.Rounds < 1 {
		return fmt.Errorf("rounds must be at least 1, got %d", c.Rounds)
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" || t.DSN == "" {
			return fmt.Errorf("target %q: name and dsn are required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Target is a named data store to benchmark.
type Target struct {
	Name string `json:"name"`
	// DSN may carry credentials and is never written to results.json.
	DSN string `json:"-"`
}

// ParseTarget parses "name=dsn". A bare URL DSN is named after its backend;
// keyword/value DSNs must always be given a name.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty target")
	}
	if name, dsn, ok := strings.Cut(s, "="); ok && !strings.Contains(name, ":") {
		if name == "" || dsn == "" {
			return Target{}, fmt.Errorf("invalid target %q: want name=dsn", s)
		}
		return Target{Name: name, DSN: dsn}, nil
	}
	name := "postgres"
	if strings.HasPrefix(s, "sqlite:") {
		name = "sqlite"
	}
	return Target{Name: name, DSN: s}, nil
}

// RunConfig configures one go test invocation against one target.
type RunConfig struct {
	Target       Target
	Rows         int
	MaxConns     int
	ResetFixture bool
	Cases        []string
	Count        int
	Benchtime    string
	Timeout      time.Duration
	Package      string
	RunID        string
	Round        int
	TotalRounds  int
}

// RunResult is the outcome of one invocation.
type RunResult struct {
	// Output is the raw benchmark output, in the format benchstat reads.
	Output   []byte
	Stderr   []byte
	Metrics  []Metric
	Duration time.Duration
	ExitCode int
	Error    error
}

// Metric is one parsed benchmark result line.
type Metric struct {
	Name        string  `json:"name"`
	Iterations  int64   `json:"iterations"`
	NsPerOp     float64 `json:"ns_per_op"`
	BytesPerOp  int64   `json:"bytes_per_op,omitempty"`
	AllocsPerOp int64   `json:"allocs_per_op,omitempty"`
	MBPerSec    float64 `json:"mb_per_sec,omitempty"`
	// Extra holds b.ReportMetric values keyed by unit, e.g. "rows/op".
	Extra map[string]float64 `json:"extra,omitempty"`
}

// Results is the content of results.json.
type Results struct {
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Git         *GitInfo       `json:"git,omitempty"`
	Config      Config         `json:"config"`
	Results     []TargetResult `json:"results"`
}

// TargetResult holds every round for one target.
type TargetResult struct {
	Target  string        `json:"target"`
	Metrics []Metric      `json:"metrics"`
	Rounds  []RoundResult `json:"rounds"`
	Error   string        `json:"error,omitempty"`
}

// RoundResult is a single round of a target.
type RoundResult struct {
	Round    int           `json:"round"`
	Duration time.Duration `json:"duration"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}
