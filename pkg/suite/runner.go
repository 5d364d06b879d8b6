package suite

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Runner executes one round of benchmarks against a target.
type Runner interface {
	Run(ctx context.Context, cfg RunConfig) (*RunResult, error)
	Name() string
}

// GoTestRunner runs benchmarks with `go test -bench`.
type GoTestRunner struct {
	// GoPath is the go binary. Empty means "go" from PATH.
	GoPath string
	// Dir is the module root the package path is resolved against.
	Dir string
}

// NewGoTestRunner creates a GoTestRunner rooted at dir.
func NewGoTestRunner(dir string) *GoTestRunner {
	return &GoTestRunner{Dir: dir}
}

// Name returns the runner name.
func (r *GoTestRunner) Name() string {
	return "go-test"
}

// Run executes the benchmark package once. A failing go test is reported in
// the result rather than as an error, so partial output is kept.
func (r *GoTestRunner) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	goPath := r.GoPath
	if goPath == "" {
		goPath = "go"
	}

	cmd := exec.CommandContext(ctx, goPath, testArgs(cfg)...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), benchEnv(cfg)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Output:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		Metrics:  ParseOutput(stdout.Bytes()),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		result.Error = fmt.Errorf("go test failed: %w\nstderr: %s", err, stderr.String())
	}
	return result, nil
}

func testArgs(cfg RunConfig) []string {
	args := []string{
		"test",
		"-bench=" + CasePattern(cfg.Cases),
		"-benchmem",
		"-run=^$",
	}
	if cfg.Count > 0 {
		args = append(args, fmt.Sprintf("-count=%d", cfg.Count))
	}
	if cfg.Benchtime != "" {
		args = append(args, "-benchtime="+cfg.Benchtime)
	}
	if cfg.Timeout > 0 {
		args = append(args, fmt.Sprintf("-timeout=%s", cfg.Timeout))
	}
	pkg := cfg.Package
	if pkg == "" {
		pkg = DefaultConfig().Package
	}
	return append(args, pkg)
}

// benchEnv is read by the benchmark package's TestMain.
func benchEnv(cfg RunConfig) []string {
	env := []string{
		"BENCH_CONN_STRING=" + cfg.Target.DSN,
		"BENCH_TARGET=" + cfg.Target.Name,
		"BENCH_RUN_ID=" + cfg.RunID,
		fmt.Sprintf("BENCH_ROUND=%d", cfg.Round),
	}
	if cfg.Rows > 0 {
		env = append(env, fmt.Sprintf("BENCH_ROWS=%d", cfg.Rows))
	}
	if cfg.MaxConns > 0 {
		env = append(env, fmt.Sprintf("BENCH_MAX_CONNS=%d", cfg.MaxConns))
	}
	if cfg.ResetFixture {
		env = append(env, "BENCH_RESET_FIXTURE=true")
	}
	return env
}

// caseNames maps short case names to benchmark functions.
var caseNames = map[string]string{
	"ping":          "BenchmarkStorePing",
	"ping_parallel": "BenchmarkStorePingParallel",
	"write":         "BenchmarkBulkWrite",
	"copy":          "BenchmarkBulkCopy",
	"read":          "BenchmarkBulkRead",
	"compute":       "BenchmarkCompute",
}

// CasePattern builds the -bench regexp for the given cases. Unknown names
// are used as benchmark names, with the Benchmark prefix added if missing.
func CasePattern(cases []string) string {
	if len(cases) == 0 {
		return "."
	}
	names := make([]string, 0, len(cases))
	for _, c := range cases {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		switch name, ok := caseNames[strings.ToLower(c)]; {
		case ok:
			names = append(names, name)
		case strings.HasPrefix(c, "Benchmark"):
			names = append(names, c)
		default:
			names = append(names, "Benchmark"+c)
		}
	}
	if len(names) == 0 {
		return "."
	}
	return "^(" + strings.Join(names, "|") + ")$"
}

// ParseOutput extracts metrics from go test -bench output. Result lines are
// a name, an iteration count, then value/unit pairs.
func ParseOutput(output []byte) []Metric {
	var metrics []Metric

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || !strings.HasPrefix(fields[0], "Benchmark") {
			continue
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}

		m := Metric{Name: fields[0], Iterations: n}
		valid := false
		for i := 2; i+1 < len(fields); i += 2 {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				break
			}
			switch unit := fields[i+1]; unit {
			case "ns/op":
				m.NsPerOp = v
				valid = true
			case "B/op":
				m.BytesPerOp = int64(v)
			case "allocs/op":
				m.AllocsPerOp = int64(v)
			case "MB/s":
				m.MBPerSec = v
			default:
				if m.Extra == nil {
					m.Extra = make(map[string]float64)
				}
				m.Extra[unit] = v
			}
		}
		if valid {
			metrics = append(metrics, m)
		}
	}
	return metrics
}
